package spaceallocator

import (
	"sync"
	"testing"
	"time"
)

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (r *fakeRemover) RemoveItem(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removed = append(r.removed, id)

	return nil
}

func TestOutdatedItemEvictionOrder(t *testing.T) {
	p := &Partition{mountPoint: "/tmp"}

	remover := &fakeRemover{}
	a := &Allocator{partition: p, remover: remover}

	now := time.Unix(1000, 0)

	if err := a.AddOutdatedItem("old", 10, now); err != nil {
		t.Fatalf("AddOutdatedItem(old): %v", err)
	}

	if err := a.AddOutdatedItem("new", 10, now.Add(time.Minute)); err != nil {
		t.Fatalf("AddOutdatedItem(new): %v", err)
	}

	freed, err := p.removeOutdated(10, nil)
	if err != nil {
		t.Fatalf("removeOutdated: %v", err)
	}

	if freed != 10 {
		t.Fatalf("freed = %d, want 10", freed)
	}

	if len(remover.removed) != 1 || remover.removed[0] != "old" {
		t.Fatalf("expected oldest item removed first, got %v", remover.removed)
	}

	if len(p.outdated) != 1 || p.outdated[0].id != "new" {
		t.Fatalf("expected newest item to remain, got %v", p.outdated)
	}
}

func TestRestoreOutdatedItemRemovesFromList(t *testing.T) {
	p := &Partition{mountPoint: "/tmp"}
	a := &Allocator{partition: p, remover: &fakeRemover{}}

	if err := a.AddOutdatedItem("a", 5, time.Unix(1, 0)); err != nil {
		t.Fatalf("AddOutdatedItem: %v", err)
	}

	if err := a.RestoreOutdatedItem("a"); err != nil {
		t.Fatalf("RestoreOutdatedItem: %v", err)
	}

	if len(p.outdated) != 0 {
		t.Fatalf("expected outdated list empty after restore, got %v", p.outdated)
	}
}

func TestAddOutdatedItemWithoutRemoverFails(t *testing.T) {
	a := &Allocator{partition: &Partition{}}

	if err := a.AddOutdatedItem("x", 1, time.Now()); err == nil {
		t.Fatal("expected error when no remover configured")
	}
}

func TestPartitionFreeAndDoneRequireAllocation(t *testing.T) {
	p := &Partition{mountPoint: "/tmp"}

	if err := p.done(); err == nil {
		t.Fatal("expected error calling done with no outstanding allocation")
	}

	p.free(10) // no-op, must not panic
}

func TestRemoveOutdatedInsufficientReturnsError(t *testing.T) {
	p := &Partition{mountPoint: "/tmp"}
	a := &Allocator{partition: p, remover: &fakeRemover{}}

	if err := a.AddOutdatedItem("only", 5, time.Unix(1, 0)); err != nil {
		t.Fatalf("AddOutdatedItem: %v", err)
	}

	if _, err := p.removeOutdated(100, nil); err == nil {
		t.Fatal("expected error requesting more than available outdated size")
	}
}

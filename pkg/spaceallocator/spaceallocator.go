// Package spaceallocator tracks free space on a mount point shared by
// several callers (layer storage, instance storage state, download
// cache) and evicts the least-recently-touched outdated item when a
// new allocation would otherwise overrun either the partition's
// physical free space or the caller's own percentage limit of it.
//
// A process keeps exactly one Partition per mount point: several
// Allocators opened against paths on the same filesystem share the
// partition's physical-space accounting and its single outdated-item
// eviction list, while each Allocator additionally enforces its own
// percentage-of-partition limit and its own sub-accounting.
package spaceallocator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
)

// maxOutdatedItems bounds the number of pending-eviction items a single
// partition tracks at once; AddOutdatedItem returns a NoMemory error
// once this is exceeded instead of growing without limit.
const maxOutdatedItems = 256

// ItemRemover removes the on-disk data backing an outdated item once
// the allocator decides to evict it to make room for a new allocation.
type ItemRemover interface {
	RemoveItem(id string) error
}

// Space represents space reserved by a single AllocateSpace call. The
// caller must eventually call Accept (keep it) or Release (give it
// back); failing to call either leaks the reservation's accounting.
type Space interface {
	Accept() error
	Release() error
	Resize(size uint64) error
	Size() uint64
}

type outdatedItem struct {
	id        string
	size      uint64
	owner     *Allocator
	partition *Partition
	timestamp time.Time
}

// Partition tracks physical free space and the outdated-item eviction
// list for every Allocator opened against paths on the same mount
// point.
type Partition struct {
	mu             sync.Mutex
	mountPoint     string
	totalSize      uint64
	limitPercent   uint64
	allocatorCount int
	allocationCount int
	availableSize  uint64
	outdated       []outdatedItem
}

func (p *Partition) allocate(size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocationCount == 0 {
		usage, err := disk.Usage(p.mountPoint)
		if err != nil {
			return aoserrors.Wrap(err)
		}

		p.availableSize = usage.Free
	}

	if size > p.availableSize {
		freed, err := p.removeOutdated(size-p.availableSize, nil)
		if err != nil {
			return err
		}

		p.availableSize += freed
	}

	p.availableSize -= size
	p.allocationCount++

	return nil
}

func (p *Partition) free(size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocationCount == 0 {
		return
	}

	p.availableSize += size
}

func (p *Partition) done() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocationCount == 0 {
		return aoserrors.New(aoserrors.KindNotFound, "no allocation")
	}

	p.allocationCount--

	return nil
}

func (p *Partition) addOutdated(item outdatedItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.outdated {
		if p.outdated[i].id == item.id {
			p.outdated[i] = item
			return nil
		}
	}

	if len(p.outdated) >= maxOutdatedItems {
		return aoserrors.New(aoserrors.KindNoMemory, "too many outdated items")
	}

	p.outdated = append(p.outdated, item)

	return nil
}

func (p *Partition) restoreOutdated(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.outdated {
		if p.outdated[i].id == id {
			p.outdated = append(p.outdated[:i], p.outdated[i+1:]...)
			return
		}
	}
}

// removeOutdated evicts the oldest outdated items, optionally filtered
// to a single owner, until at least `size` bytes have been freed. It
// must be called with p.mu held.
func (p *Partition) removeOutdated(size uint64, owner *Allocator) (uint64, error) {
	var candidates []int

	var total uint64

	for i, item := range p.outdated {
		if owner != nil && item.owner != owner {
			continue
		}

		candidates = append(candidates, i)
		total += item.size
	}

	if size > total {
		return 0, aoserrors.New(aoserrors.KindNoMemory, "not enough outdated items to evict")
	}

	sort.Slice(candidates, func(a, b int) bool {
		return p.outdated[candidates[a]].timestamp.Before(p.outdated[candidates[b]].timestamp)
	})

	var freed uint64

	removed := make(map[int]bool)

	for _, idx := range candidates {
		if freed >= size {
			break
		}

		item := p.outdated[idx]

		if item.owner.remover == nil {
			return freed, aoserrors.New(aoserrors.KindNotFound, "no item remover")
		}

		if err := item.owner.remover.RemoveItem(item.id); err != nil {
			return freed, aoserrors.Wrap(err)
		}

		item.owner.free(item.size)
		freed += item.size
		removed[idx] = true
	}

	kept := p.outdated[:0]

	for i, item := range p.outdated {
		if !removed[i] {
			kept = append(kept, item)
		}
	}

	p.outdated = kept

	return freed, nil
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Partition{}
)

func acquirePartition(mountPoint string) (*Partition, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if p, ok := registry[mountPoint]; ok {
		p.allocatorCount++
		return p, nil
	}

	usage, err := disk.Usage(mountPoint)
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}

	p := &Partition{
		mountPoint:     mountPoint,
		totalSize:      usage.Total,
		allocatorCount: 1,
	}

	registry[mountPoint] = p

	return p, nil
}

func releasePartition(p *Partition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	p.allocatorCount--

	if p.allocatorCount == 0 {
		delete(registry, p.mountPoint)
	}
}

// Allocator enforces a percentage-of-partition size limit over the
// directory tree rooted at path, sharing the underlying Partition's
// physical-space accounting with any other Allocator on the same
// mount point.
type Allocator struct {
	mu              sync.Mutex
	path            string
	remover         ItemRemover
	sizeLimit       uint64
	allocationCount int
	allocatedSize   uint64
	partition       *Partition
}

// New opens an allocator rooted at path. limitPercent, when non-zero,
// caps the directory tree at that percentage of the partition's total
// size; remover is used to evict outdated items this allocator owns.
func New(path string, limitPercent uint64, remover ItemRemover) (*Allocator, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, aoserrors.Wrap(err)
	}

	mountPoint, err := findMountPoint(path)
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}

	partition, err := acquirePartition(mountPoint)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		path:      path,
		remover:   remover,
		partition: partition,
	}

	if limitPercent != 0 {
		partition.mu.Lock()
		partition.limitPercent += limitPercent
		total := partition.totalSize
		percent := partition.limitPercent
		partition.mu.Unlock()

		if percent > 100 {
			releasePartition(partition)
			return nil, aoserrors.New(aoserrors.KindNoMemory, "partition limit exceeded")
		}

		a.sizeLimit = total * limitPercent / 100
	}

	return a, nil
}

// Close releases this allocator's share of its partition's limit,
// removing the partition from the registry once no allocator on that
// mount point remains.
func (a *Allocator) Close() error {
	releasePartition(a.partition)
	return nil
}

// AllocateSpace reserves size bytes, evicting outdated items (this
// allocator's own first, falling back to the shared partition pool)
// if neither this allocator's percentage limit nor the partition's
// physical free space can otherwise accommodate it.
func (a *Allocator) AllocateSpace(size uint64) (Space, error) {
	if err := a.allocate(size); err != nil {
		return nil, err
	}

	if err := a.partition.allocate(size); err != nil {
		a.free(size)
		return nil, err
	}

	return &space{size: size, allocator: a}, nil
}

// FreeSpace releases a previously allocated size without going
// through a Space handle; used when reverting a failed allocation.
func (a *Allocator) FreeSpace(size uint64) {
	a.free(size)
	a.partition.free(size)
}

// AddOutdatedItem registers an item as eligible for eviction, oldest
// timestamp first, the next time this allocator's partition needs
// room.
func (a *Allocator) AddOutdatedItem(id string, size uint64, timestamp time.Time) error {
	if a.remover == nil {
		return aoserrors.New(aoserrors.KindNotFound, "no item remover")
	}

	return a.partition.addOutdated(outdatedItem{
		id:        id,
		size:      size,
		owner:     a,
		partition: a.partition,
		timestamp: timestamp,
	})
}

// RestoreOutdatedItem removes id from the eviction list, e.g. because
// it was touched again and is no longer a candidate for removal.
func (a *Allocator) RestoreOutdatedItem(id string) error {
	a.partition.restoreOutdated(id)
	return nil
}

func (a *Allocator) allocate(size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sizeLimit == 0 {
		return nil
	}

	if a.allocationCount == 0 {
		used, err := dirSize(a.path)
		if err != nil {
			return aoserrors.Wrap(err)
		}

		a.allocatedSize = used
	}

	if a.allocatedSize+size > a.sizeLimit {
		freed, err := a.partition.removeOutdated(a.allocatedSize+size-a.sizeLimit, a)
		if err != nil {
			return err
		}

		if freed > a.allocatedSize {
			a.allocatedSize = 0
		} else {
			a.allocatedSize -= freed
		}
	}

	a.allocatedSize += size
	a.allocationCount++

	return nil
}

func (a *Allocator) free(size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sizeLimit == 0 {
		return
	}

	if a.allocationCount == 0 {
		return
	}

	if size < a.allocatedSize {
		a.allocatedSize -= size
	} else {
		a.allocatedSize = 0
	}
}

func (a *Allocator) done() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sizeLimit == 0 {
		return nil
	}

	if a.allocationCount == 0 {
		return aoserrors.New(aoserrors.KindNotFound, "no allocation")
	}

	a.allocationCount--

	return nil
}

type space struct {
	size      uint64
	allocator *Allocator
}

func (s *space) Accept() error {
	if err := s.allocator.done(); err != nil {
		return err
	}

	return s.allocator.partition.done()
}

func (s *space) Release() error {
	s.allocator.FreeSpace(s.size)

	if err := s.allocator.done(); err != nil {
		return err
	}

	return s.allocator.partition.done()
}

func (s *space) Resize(size uint64) error {
	s.size = size
	return nil
}

func (s *space) Size() uint64 {
	return s.size
}

// findMountPoint returns the mount point path belongs to: the longest
// entry from disk.Partitions whose path is a prefix of the absolute,
// cleaned form of path.
func findMountPoint(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	partitions, err := disk.Partitions(true)
	if err != nil {
		return "", fmt.Errorf("listing partitions: %w", err)
	}

	best := "/"

	for _, p := range partitions {
		mount := filepath.Clean(p.Mountpoint)

		if mount == "/" {
			continue
		}

		if (abs == mount || filepathHasPrefix(abs, mount)) && len(mount) > len(best) {
			best = mount
		}
	}

	return best, nil
}

func filepathHasPrefix(path, prefix string) bool {
	if !filepathStartsWith(path, prefix) {
		return false
	}

	return len(path) == len(prefix) || path[len(prefix)] == filepath.Separator
}

func filepathStartsWith(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

// dirSize walks the directory tree rooted at path summing regular
// file sizes. There is no ecosystem helper for this in the retrieved
// pack, so it is a small standard-library walk.
func dirSize(path string) (uint64, error) {
	var total uint64

	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		total += uint64(info.Size())

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

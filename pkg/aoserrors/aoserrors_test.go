package aoserrors

import (
	"errors"
	"testing"
)

func TestKindSurvivesWrap(t *testing.T) {
	err := New(KindNotFound, "missing row")
	wrapped := Wrap(err)

	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("KindOf(wrapped) = %v, want KindNotFound", KindOf(wrapped))
	}

	if !errors.Is(wrapped, New(KindNotFound, "")) {
		t.Fatal("expected errors.Is to match on Kind")
	}

	if errors.Is(wrapped, New(KindTimeout, "")) {
		t.Fatal("errors.Is matched a different Kind")
	}
}

func TestWrapPlainErrorBecomesFailed(t *testing.T) {
	err := Wrap(errors.New("boom"))

	if KindOf(err) != KindFailed {
		t.Fatalf("KindOf(plain wrap) = %v, want KindFailed", KindOf(err))
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil) != nil {
		t.Fatal("Wrap(nil) should return nil")
	}

	if WrapWithKind(KindTimeout, nil) != nil {
		t.Fatal("WrapWithKind(_, nil) should return nil")
	}
}

func TestWrapWithKindOverridesKind(t *testing.T) {
	err := WrapWithKind(KindNotFound, errors.New("enoent"))

	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf = %v, want KindNotFound", KindOf(err))
	}

	var tagged *Error
	if !errors.As(err, &tagged) {
		t.Fatal("expected errors.As to find the tagged *Error")
	}

	if tagged.Unwrap().Error() != "enoent" {
		t.Fatalf("Unwrap() = %q, want %q", tagged.Unwrap().Error(), "enoent")
	}
}

func TestKindOfNilIsKindNone(t *testing.T) {
	if KindOf(nil) != KindNone {
		t.Fatalf("KindOf(nil) = %v, want KindNone", KindOf(nil))
	}
}

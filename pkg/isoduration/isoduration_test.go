package isoduration

import (
	"testing"
	"time"
)

func TestFormatParseRoundTrip(t *testing.T) {
	cases := []time.Duration{
		0,
		5 * time.Second,
		90 * time.Second,
		3 * time.Hour,
		36 * time.Hour,
		48*time.Hour + 30*time.Minute + 15*time.Second,
	}

	for _, d := range cases {
		s := Format(d)

		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}

		if got != d {
			t.Fatalf("round trip mismatch: %v -> %q -> %v", d, s, got)
		}
	}
}

func TestParseKnownForms(t *testing.T) {
	cases := map[string]time.Duration{
		"PT0S":     0,
		"PT5S":     5 * time.Second,
		"PT1M":     time.Minute,
		"PT1H30M":  90 * time.Minute,
		"P1D":      24 * time.Hour,
		"P1DT1H":   25 * time.Hour,
		"PT0.5S":   500 * time.Millisecond,
	}

	for s, want := range cases {
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}

		if got != want {
			t.Fatalf("Parse(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestParseRejectsMissingP(t *testing.T) {
	if _, err := Parse("1H"); err == nil {
		t.Fatal("expected error for missing leading P")
	}
}

func TestParseRejectsUnknownDesignator(t *testing.T) {
	if _, err := Parse("P1X"); err == nil {
		t.Fatal("expected error for unknown designator")
	}
}

func TestFormatNegative(t *testing.T) {
	s := Format(-90 * time.Second)

	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}

	if got != -90*time.Second {
		t.Fatalf("got %v, want -90s", got)
	}
}

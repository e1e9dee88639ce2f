package semver

import "testing"

func TestCompareCore(t *testing.T) {
	a, _ := Parse("1.2.3")
	b, _ := Parse("1.3.0")

	if Compare(a, b) >= 0 {
		t.Fatalf("expected 1.2.3 < 1.3.0")
	}

	if Compare(b, a) <= 0 {
		t.Fatalf("expected 1.3.0 > 1.2.3")
	}
}

func TestPrereleaseLessThanRelease(t *testing.T) {
	pre, _ := Parse("1.0.0-rc.1")
	rel, _ := Parse("1.0.0")

	if Compare(pre, rel) >= 0 {
		t.Fatalf("expected prerelease < release at same core version")
	}
}

func TestMetadataIgnored(t *testing.T) {
	a, _ := Parse("1.0.0+build.1")
	b, _ := Parse("1.0.0+build.2")

	if Compare(a, b) != 0 {
		t.Fatalf("expected build metadata to be ignored in comparison")
	}
}

func TestAntisymmetricAndTransitive(t *testing.T) {
	versions := []string{"1.0.0-alpha", "1.0.0-beta", "1.0.0", "1.2.0", "2.0.0"}

	parsed := make([]Version, len(versions))

	for i, s := range versions {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}

		parsed[i] = v
	}

	for i := range parsed {
		for j := range parsed {
			if i == j {
				continue
			}

			ci := Compare(parsed[i], parsed[j])
			cj := Compare(parsed[j], parsed[i])

			if (ci > 0) != (cj < 0) || (ci < 0) != (cj > 0) {
				t.Fatalf("comparison not antisymmetric for %s vs %s", versions[i], versions[j])
			}
		}
	}

	for i := 0; i < len(parsed)-2; i++ {
		if Compare(parsed[i], parsed[i+1]) >= 0 || Compare(parsed[i+1], parsed[i+2]) >= 0 {
			continue
		}

		if Compare(parsed[i], parsed[i+2]) >= 0 {
			t.Fatalf("comparison not transitive around %s, %s, %s", versions[i], versions[i+1], versions[i+2])
		}
	}
}

func TestEqualInvalidIsNotEqual(t *testing.T) {
	if Equal("not-a-version", "1.0.0") {
		t.Fatalf("invalid version should never compare equal")
	}
}

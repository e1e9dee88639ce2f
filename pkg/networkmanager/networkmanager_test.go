package networkmanager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aosedge/aos-sm/pkg/types"
)

func TestBuildHostsOrderAndDedup(t *testing.T) {
	params := AddInstanceToNetworkParams{
		Ident:    types.InstanceIdent{ServiceID: "service1", SubjectID: "subject1", Instance: 0},
		IPAddr:   "10.0.0.2",
		Hostname: "myhost",
		Aliases:  []string{"alias1"},
	}

	hosts, err := buildHosts(params, "net1")
	if err != nil {
		t.Fatalf("buildHosts: %v", err)
	}

	var names []string
	for _, h := range hosts {
		names = append(names, h.Hostname)
	}

	joined := strings.Join(names, ",")

	for _, want := range []string{"alias1", "myhost", "0.subject1.service1", "subject1.service1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("hosts %v missing %q", names, want)
		}
	}

	// every dotless host should also get a <host>.<networkID> entry.
	if !strings.Contains(joined, "alias1.net1") {
		t.Fatalf("expected alias1.net1 entry, got %v", names)
	}

	seen := map[string]bool{}

	for _, n := range names {
		if seen[n] {
			t.Fatalf("duplicate host entry %q in %v", n, names)
		}

		seen[n] = true
	}
}

func TestBuildHostsNonZeroInstanceOmitsSubjectServiceAlias(t *testing.T) {
	params := AddInstanceToNetworkParams{
		Ident:  types.InstanceIdent{ServiceID: "service1", SubjectID: "subject1", Instance: 1},
		IPAddr: "10.0.0.3",
	}

	hosts, err := buildHosts(params, "net1")
	if err != nil {
		t.Fatalf("buildHosts: %v", err)
	}

	for _, h := range hosts {
		if h.Hostname == "subject1.service1" {
			t.Fatalf("instance!=0 must not get bare subject.service alias, got %v", hosts)
		}
	}
}

func TestCheckHostCollisions(t *testing.T) {
	cache := map[string]*types.InstanceNetworkCacheEntry{
		"other": {Hosts: []types.Host{{IP: "10.0.0.5", Hostname: "taken"}}},
	}

	hosts := []types.Host{{IP: "10.0.0.6", Hostname: "taken"}}

	if err := checkHostCollisions(cache, "new", hosts); err == nil {
		t.Fatal("expected collision error")
	}

	hosts = []types.Host{{IP: "10.0.0.6", Hostname: "free"}}
	if err := checkHostCollisions(cache, "new", hosts); err != nil {
		t.Fatalf("unexpected error for non-colliding host: %v", err)
	}
}

func TestMaterializeHostsFile(t *testing.T) {
	dir := t.TempDir()

	hosts := []types.Host{{IP: "10.0.0.2", Hostname: "extra"}}

	if err := materializeHostsFile(dir, "inst1", "10.0.0.2", "net1", "myhost", hosts); err != nil {
		t.Fatalf("materializeHostsFile: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "inst1", "hosts"))
	if err != nil {
		t.Fatalf("reading hosts file: %v", err)
	}

	content := string(data)

	for _, want := range []string{
		"127.0.0.1 localhost",
		"::1 localhost ip6-localhost ip6-loopback",
		"10.0.0.2 net1 myhost",
		"10.0.0.2\textra",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("hosts file missing %q, got:\n%s", want, content)
		}
	}
}

func TestMergeDNSServersFallsBackOnlyForCNIPortion(t *testing.T) {
	// CNI reported nothing but the instance has its own servers: the
	// 8.8.8.8 fallback must still lead the list (spec.md §4.3.1), not
	// be skipped just because paramsServers is non-empty.
	got := mergeDNSServers(nil, []string{"10.0.0.1"})
	want := []string{"8.8.8.8", "10.0.0.1"}

	if !equalStrings(got, want) {
		t.Fatalf("mergeDNSServers(nil, [10.0.0.1]) = %v, want %v", got, want)
	}
}

func TestMergeDNSServersPrefersCNIResult(t *testing.T) {
	got := mergeDNSServers([]string{"192.168.1.1"}, []string{"10.0.0.1"})
	want := []string{"192.168.1.1", "10.0.0.1"}

	if !equalStrings(got, want) {
		t.Fatalf("mergeDNSServers = %v, want %v", got, want)
	}
}

func TestMergeDNSServersBothEmptyFallsBack(t *testing.T) {
	got := mergeDNSServers(nil, nil)
	want := []string{"8.8.8.8"}

	if !equalStrings(got, want) {
		t.Fatalf("mergeDNSServers(nil, nil) = %v, want %v", got, want)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func TestMaterializeResolvConfFallback(t *testing.T) {
	dir := t.TempDir()

	if err := materializeResolvConf(dir, "inst1", nil); err != nil {
		t.Fatalf("materializeResolvConf: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "inst1", "resolv.conf"))
	if err != nil {
		t.Fatalf("reading resolv.conf: %v", err)
	}

	if !strings.Contains(string(data), "nameserver\t8.8.8.8") {
		t.Fatalf("expected fallback nameserver, got %q", string(data))
	}
}

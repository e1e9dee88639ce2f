package networkmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/types"
)

// materializeHostsFile writes <workDir>/<instanceID>/hosts per
// spec.md §4.3.1: the loopback lines, then the instance's own
// networkID/hostname line, then each user host entry.
func materializeHostsFile(workDir, instanceID, ip, networkID, hostname string, hosts []types.Host) error {
	var b strings.Builder

	b.WriteString("127.0.0.1 localhost\n")
	b.WriteString("::1 localhost ip6-localhost ip6-loopback\n")

	selfLine := fmt.Sprintf("%s %s", ip, networkID)
	if hostname != "" {
		selfLine += " " + hostname
	}

	b.WriteString(selfLine + "\n")

	for _, h := range hosts {
		fmt.Fprintf(&b, "%s\t%s\n", h.IP, h.Hostname)
	}

	return writeInstanceFile(workDir, instanceID, "hosts", b.String())
}

// mergeDNSServers builds the resolv.conf server order spec.md §4.3.1
// requires: each server the CNI result reported (or the 8.8.8.8
// fallback if it reported none), then each of the instance's own
// configured servers. The fallback applies to the CNI portion alone,
// so it still appears even when paramsServers is non-empty.
func mergeDNSServers(cniServers, paramsServers []string) []string {
	if len(cniServers) == 0 {
		cniServers = []string{"8.8.8.8"}
	}

	return append(append([]string{}, cniServers...), paramsServers...)
}

// materializeResolvConf writes <workDir>/<instanceID>/resolv.conf from
// the already-merged server list (spec.md §4.3.1: CNI-reported
// servers, with the 8.8.8.8 fallback applied by the caller to that
// portion specifically, followed by the instance's own configured
// servers). An empty list here still falls back to 8.8.8.8 so the
// file is never written with no nameserver at all.
func materializeResolvConf(workDir, instanceID string, servers []string) error {
	if len(servers) == 0 {
		servers = []string{"8.8.8.8"}
	}

	var b strings.Builder

	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver\t%s\n", s)
	}

	return writeInstanceFile(workDir, instanceID, "resolv.conf", b.String())
}

func writeInstanceFile(workDir, instanceID, name, content string) error {
	dir := filepath.Join(workDir, instanceID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return aoserrors.Wrap(err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return aoserrors.Wrap(err)
	}

	return aoserrors.Wrap(os.Rename(tmp, path))
}

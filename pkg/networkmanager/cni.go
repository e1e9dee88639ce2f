package networkmanager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/containernetworking/cni/libcni"
	types040 "github.com/containernetworking/cni/pkg/types/040"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/types"
)

// AddInstanceToNetworkParams carries everything AddInstanceToNetwork
// needs beyond the target (networkID, instanceID): the instance's
// desired hostname/subject/service, its static IP, bandwidth limits,
// firewall rules and DNS servers.
type AddInstanceToNetworkParams struct {
	Ident         types.InstanceIdent
	IPAddr        string
	Hostname      string
	Aliases       []string
	ExposedPorts  []string
	FirewallRules []string
	IngressKbit   uint64
	EgressKbit    uint64
	DNSServers    []string
	NetnsPath     string
}

// AddInstanceToNetwork attaches instanceID to networkID, building the
// Hosts vector, invoking the CNI chain, starting bandwidth monitoring
// and materializing hosts/resolv.conf — rolling back every completed
// step if a later one fails (spec.md §4.3).
func (m *Manager) AddInstanceToNetwork(ctx context.Context, instanceID, networkID string, params AddInstanceToNetworkParams) error {
	m.mu.Lock()
	netCache, ok := m.cache[networkID]
	if !ok {
		m.mu.Unlock()
		return aoserrors.New(aoserrors.KindNotFound, "unknown network "+networkID)
	}

	if _, exists := netCache[instanceID]; exists {
		m.mu.Unlock()
		return aoserrors.New(aoserrors.KindAlreadyExist, "instance already attached to network")
	}

	network := m.networks[networkID]
	netCache[instanceID] = &types.InstanceNetworkCacheEntry{InstanceID: instanceID, NetworkID: networkID}
	m.mu.Unlock()

	rollback := func() {
		m.mu.Lock()
		delete(netCache, instanceID)
		m.mu.Unlock()
	}

	hosts, err := buildHosts(params, networkID)
	if err != nil {
		rollback()
		return err
	}

	if err := checkHostCollisions(netCache, instanceID, hosts); err != nil {
		rollback()
		return err
	}

	configList, err := buildNetworkConfigList(network, instanceID, params)
	if err != nil {
		rollback()
		return err
	}

	runtimeConf := buildRuntimeConf(instanceID, params.NetnsPath, hosts)

	result, err := m.cni.AddNetworkList(ctx, configList, runtimeConf)
	if err != nil {
		rollback()
		return aoserrors.WrapWithKind(aoserrors.KindRuntime, err)
	}

	resultCurrent, err := types040.GetResult(result)
	if err != nil {
		m.rollbackCNI(ctx, configList, runtimeConf)
		rollback()
		return aoserrors.Wrap(err)
	}

	monitor := newBandwidthMonitor(instanceID, params.IngressKbit, params.EgressKbit)
	m.mu.Lock()
	m.monitors[instanceID] = monitor
	m.mu.Unlock()
	monitor.Start()

	dnsServers := mergeDNSServers(resultCurrent.DNS.Nameservers, params.DNSServers)

	if err := materializeHostsFile(m.cfg.WorkDir, instanceID, params.IPAddr, networkID, params.Hostname, hosts); err != nil {
		monitor.Stop()
		m.rollbackCNI(ctx, configList, runtimeConf)
		rollback()
		return err
	}

	if err := materializeResolvConf(m.cfg.WorkDir, instanceID, dnsServers); err != nil {
		monitor.Stop()
		m.rollbackCNI(ctx, configList, runtimeConf)
		rollback()
		return err
	}

	m.mu.Lock()
	netCache[instanceID] = &types.InstanceNetworkCacheEntry{
		InstanceID: instanceID,
		NetworkID:  networkID,
		IPAddr:     params.IPAddr,
		Hosts:      hosts,
	}
	m.mu.Unlock()

	return nil
}

func (m *Manager) rollbackCNI(ctx context.Context, configList *libcni.NetworkConfigList, runtimeConf *libcni.RuntimeConf) {
	if err := m.cni.DelNetworkList(ctx, configList, runtimeConf); err != nil {
		m.logger.Error().Err(err).Msg("rollback: failed to delete cni network list")
	}
}

// RemoveInstanceFromNetwork detaches instanceID from networkID,
// stopping its bandwidth monitor and invoking the cached CNI delete,
// then clears the provider network if this was its last instance and
// the provider is no longer in the desired set.
func (m *Manager) RemoveInstanceFromNetwork(ctx context.Context, instanceID, networkID string) error {
	m.mu.Lock()
	netCache, ok := m.cache[networkID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	entry, exists := netCache[instanceID]
	if !exists {
		m.mu.Unlock()
		return nil
	}

	monitor := m.monitors[instanceID]
	delete(m.monitors, instanceID)
	network := m.networks[networkID]
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}

	configList, err := buildNetworkConfigList(network, instanceID, AddInstanceToNetworkParams{IPAddr: entry.IPAddr})
	if err == nil {
		runtimeConf := buildRuntimeConf(instanceID, "", entry.Hosts)

		if err := m.cni.DelNetworkList(ctx, configList, runtimeConf); err != nil {
			m.logger.Error().Err(err).Str("instanceId", instanceID).Msg("failed to delete cni network list")
		}
	}

	m.mu.Lock()
	delete(netCache, instanceID)
	remaining := len(netCache)
	m.mu.Unlock()

	if remaining == 0 {
		if _, desired := m.networks[networkID]; desired {
			return nil
		}

		return m.ClearNetwork(networkID)
	}

	return nil
}

// buildHosts constructs the deduped Hosts vector in the order spec.md
// §4.3 step 3 describes: each alias, the instance hostname,
// "<instance>.<subject>.<service>", and (if instance==0)
// "<subject>.<service>". Any host without a dot also gets
// "<host>.<networkID>" appended.
func buildHosts(params AddInstanceToNetworkParams, networkID string) ([]types.Host, error) {
	var names []string

	names = append(names, params.Aliases...)

	if params.Hostname != "" {
		names = append(names, params.Hostname)
	}

	names = append(names, fmt.Sprintf("%d.%s.%s", params.Ident.Instance, params.Ident.SubjectID, params.Ident.ServiceID))

	if params.Ident.Instance == 0 {
		names = append(names, fmt.Sprintf("%s.%s", params.Ident.SubjectID, params.Ident.ServiceID))
	}

	seen := map[string]bool{}

	var hosts []types.Host

	addHost := func(name string) {
		if name == "" || seen[name] {
			return
		}

		seen[name] = true
		hosts = append(hosts, types.Host{IP: params.IPAddr, Hostname: name})
	}

	for _, name := range names {
		addHost(name)

		if !strings.Contains(name, ".") {
			addHost(fmt.Sprintf("%s.%s", name, networkID))
		}
	}

	return hosts, nil
}

func checkHostCollisions(netCache map[string]*types.InstanceNetworkCacheEntry, instanceID string, hosts []types.Host) error {
	names := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		names[h.Hostname] = true
	}

	for id, entry := range netCache {
		if id == instanceID || entry == nil {
			continue
		}

		for _, h := range entry.Hosts {
			if names[h.Hostname] {
				return aoserrors.New(aoserrors.KindAlreadyExist, "hostname collision: "+h.Hostname)
			}
		}
	}

	return nil
}

// buildNetworkConfigList assembles the bridge+aos-firewall+bandwidth+
// dnsname CNI plugin chain spec.md §4.3 step 4 describes, version
// "0.4.0".
func buildNetworkConfigList(network types.NetworkInfo, instanceID string, params AddInstanceToNetworkParams) (*libcni.NetworkConfigList, error) {
	bridgePlugin := fmt.Sprintf(`{
		"type": "bridge",
		"bridge": "br-%s",
		"isGateway": true,
		"ipam": {
			"type": "host-local",
			"ranges": [[{"subnet": %q, "rangeStart": %q, "rangeEnd": %q}]],
			"routes": [{"dst": "0.0.0.0/0", "gw": %q}]
		}
	}`, network.NetworkID, network.Subnet, params.IPAddr, params.IPAddr, network.GatewayIP)

	firewallPlugin, err := buildFirewallPlugin(instanceID, params)
	if err != nil {
		return nil, err
	}

	plugins := []string{bridgePlugin, firewallPlugin}

	if params.IngressKbit > 0 || params.EgressKbit > 0 {
		plugins = append(plugins, buildBandwidthPlugin(params))
	}

	plugins = append(plugins, buildDNSNamePlugin(network.NetworkID, params.DNSServers))

	confList := fmt.Sprintf(`{"cniVersion":"0.4.0","name":%q,"plugins":[%s]}`,
		network.NetworkID, strings.Join(plugins, ","))

	list, err := libcni.ConfListFromBytes([]byte(confList))
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}

	return list, nil
}

func buildFirewallPlugin(instanceID string, params AddInstanceToNetworkParams) (string, error) {
	input, err := buildPortRules(params.ExposedPorts)
	if err != nil {
		return "", err
	}

	output := make([]string, 0, len(params.FirewallRules))
	for _, rule := range params.FirewallRules {
		output = append(output, strconv.Quote(rule))
	}

	return fmt.Sprintf(`{
		"type": "aos-firewall",
		"uuid": %q,
		"iptablesAdminChainName": "INSTANCE_%s",
		"allowPublicConnections": true,
		"inputAccess": [%s],
		"outputAccess": [%s]
	}`, instanceID, instanceID, strings.Join(input, ","), strings.Join(output, ",")), nil
}

func buildPortRules(exposedPorts []string) ([]string, error) {
	rules := make([]string, 0, len(exposedPorts))

	for _, spec := range exposedPorts {
		port, proto, found := strings.Cut(spec, "/")
		if !found {
			proto = "tcp"
		}

		rules = append(rules, fmt.Sprintf(`{"port":%q,"protocol":%q}`, port, proto))
	}

	return rules, nil
}

func buildBandwidthPlugin(params AddInstanceToNetworkParams) string {
	const burstBits = 12800

	return fmt.Sprintf(`{
		"type": "bandwidth",
		"ingressRate": %d,
		"ingressBurst": %d,
		"egressRate": %d,
		"egressBurst": %d
	}`, params.IngressKbit*1000, burstBits, params.EgressKbit*1000, burstBits)
}

func buildDNSNamePlugin(networkID string, remoteServers []string) string {
	servers := make([]string, 0, len(remoteServers))
	for _, s := range remoteServers {
		servers = append(servers, strconv.Quote(s))
	}

	return fmt.Sprintf(`{
		"type": "dnsname",
		"multiDomain": true,
		"domainName": %q,
		"capabilities": {"aliases": true},
		"remoteServers": [%s]
	}`, networkID, strings.Join(servers, ","))
}

func buildRuntimeConf(instanceID, netnsPath string, hosts []types.Host) *libcni.RuntimeConf {
	hostArgs := make([]string, 0, len(hosts))

	sorted := append([]types.Host{}, hosts...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Hostname < sorted[b].Hostname })

	for _, h := range sorted {
		hostArgs = append(hostArgs, fmt.Sprintf("%s:%s", h.Hostname, h.IP))
	}

	return &libcni.RuntimeConf{
		ContainerID: instanceID,
		NetNS:       netnsPath,
		IfName:      "eth0",
		Args: [][2]string{
			{"IgnoreUnknown", "1"},
			{"K8S_POD_NAME", instanceID},
		},
		CapabilityArgs: map[string]interface{}{
			"aliases": map[string][]string{instanceID: hostArgs},
			"host":    hostArgs,
		},
	}
}

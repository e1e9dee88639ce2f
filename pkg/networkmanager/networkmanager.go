// Package networkmanager gives each service instance a network
// endpoint consistent with a provider network definition: a Linux
// bridge plus VLAN sub-interface per provider, and a per-instance CNI
// invocation producing bandwidth shaping, firewalling, DNS and hosts
// materialization. NetworkManager exclusively owns the in-memory
// network caches; NetworkInfo rows are persisted through
// storage.NetworkStorage.
package networkmanager

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/storage"
	"github.com/aosedge/aos-sm/pkg/types"
)

// Config holds the directories and runtime knobs NetworkManager needs.
type Config struct {
	CNIDir      string
	WorkDir     string
	Hosts       []string
	RetryAttempts int
}

// Manager owns the set of provider networks and the per-network,
// per-instance cache entries attaching an instance to one.
type Manager struct {
	cfg     Config
	storage storage.NetworkStorage
	cni     *libcni.CNIConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	networks map[string]types.NetworkInfo
	cache    map[string]map[string]*types.InstanceNetworkCacheEntry
	monitors map[string]*bandwidthMonitor
}

// New constructs a Manager. Call Start to load persisted networks and
// bring up their bridges/VLANs.
func New(cfg Config, store storage.NetworkStorage, logger zerolog.Logger) *Manager {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 10
	}

	return &Manager{
		cfg:      cfg,
		storage:  store,
		cni:      libcni.NewCNIConfig([]string{"/opt/cni/bin"}, nil),
		logger:   logger.With().Str("component", "networkmanager").Logger(),
		networks: map[string]types.NetworkInfo{},
		cache:    map[string]map[string]*types.InstanceNetworkCacheEntry{},
		monitors: map[string]*bandwidthMonitor{},
	}
}

// Start clears and recreates the CNI cache dir, then loads persisted
// networks and brings up a bridge+VLAN for each.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(m.cfg.CNIDir); err != nil {
		return aoserrors.Wrap(err)
	}

	if err := os.MkdirAll(m.cfg.CNIDir, 0o755); err != nil {
		return aoserrors.Wrap(err)
	}

	infos, err := m.storage.GetNetworksInfo()
	if err != nil {
		return aoserrors.Wrap(err)
	}

	for _, info := range infos {
		if err := createBridgeVlan(info); err != nil {
			m.logger.Error().Err(err).Str("networkId", info.NetworkID).Msg("failed to recreate bridge/vlan")
			continue
		}

		m.networks[info.NetworkID] = info
		m.cache[info.NetworkID] = map[string]*types.InstanceNetworkCacheEntry{}
	}

	return nil
}

// UpdateNetworks reconciles the current provider network set against
// desired: networks absent from desired are torn down (instances
// first), networks new in desired are created, and networks whose
// gateway IP changed are treated as remove+create.
func (m *Manager) UpdateNetworks(desired []types.NetworkInfo) error {
	m.mu.Lock()

	desiredByID := make(map[string]types.NetworkInfo, len(desired))
	for _, d := range desired {
		desiredByID[d.NetworkID] = d
	}

	var toRemove, toCreate []types.NetworkInfo

	for id, current := range m.networks {
		d, ok := desiredByID[id]
		if !ok {
			toRemove = append(toRemove, current)
			continue
		}

		if d.GatewayIP != current.GatewayIP {
			toRemove = append(toRemove, current)
			toCreate = append(toCreate, d)
		}
	}

	for id, d := range desiredByID {
		if _, ok := m.networks[id]; !ok {
			toCreate = append(toCreate, d)
		}
	}

	m.mu.Unlock()

	for _, info := range toRemove {
		if err := m.removeNetwork(info.NetworkID); err != nil {
			m.logger.Error().Err(err).Str("networkId", info.NetworkID).Msg("failed to remove network")
		}
	}

	for _, info := range toCreate {
		if err := m.createNetwork(info); err != nil {
			m.logger.Error().Err(err).Str("networkId", info.NetworkID).Msg("failed to create network")
		}
	}

	return nil
}

func (m *Manager) createNetwork(info types.NetworkInfo) error {
	if info.VlanIfName == "" {
		ifName, err := m.allocateVlanIfName()
		if err != nil {
			return err
		}

		info.VlanIfName = ifName
	}

	if err := createBridgeVlan(info); err != nil {
		return aoserrors.Wrap(err)
	}

	if err := m.storage.AddNetworkInfo(info); err != nil {
		return aoserrors.Wrap(err)
	}

	m.mu.Lock()
	m.networks[info.NetworkID] = info
	m.cache[info.NetworkID] = map[string]*types.InstanceNetworkCacheEntry{}
	m.mu.Unlock()

	return nil
}

// allocateVlanIfName picks a "veth-<rand4>" name not already used by a
// known network, retrying up to cfg.RetryAttempts times.
func (m *Manager) allocateVlanIfName() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := make(map[string]bool, len(m.networks))
	for _, n := range m.networks {
		used[n.VlanIfName] = true
	}

	for i := 0; i < m.cfg.RetryAttempts; i++ {
		name := fmt.Sprintf("veth-%04x", rand.Intn(0x10000))
		if !used[name] {
			return name, nil
		}
	}

	return "", aoserrors.New(aoserrors.KindFailed, "exhausted retries allocating vlan interface name")
}

func (m *Manager) removeNetwork(networkID string) error {
	m.mu.Lock()
	instances := make([]string, 0, len(m.cache[networkID]))
	for id := range m.cache[networkID] {
		instances = append(instances, id)
	}
	m.mu.Unlock()

	for _, instanceID := range instances {
		if err := m.RemoveInstanceFromNetwork(context.Background(), instanceID, networkID); err != nil {
			m.logger.Error().Err(err).Str("instanceId", instanceID).Msg("failed to detach instance during network removal")
		}
	}

	return m.ClearNetwork(networkID)
}

// ClearNetwork deletes the bridge, VLAN and CNI cache dir for a
// network and drops its storage row.
func (m *Manager) ClearNetwork(networkID string) error {
	m.mu.Lock()
	info, ok := m.networks[networkID]
	delete(m.networks, networkID)
	delete(m.cache, networkID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := deleteBridgeVlan(info); err != nil {
		m.logger.Error().Err(err).Str("networkId", networkID).Msg("failed to delete bridge/vlan")
	}

	if err := os.RemoveAll(filepath.Join(m.cfg.CNIDir, networkID)); err != nil {
		m.logger.Error().Err(err).Str("networkId", networkID).Msg("failed to remove cni cache dir")
	}

	return aoserrors.Wrap(m.storage.RemoveNetworkInfo(networkID))
}

// InstanceCount returns the total number of instance cache entries
// across all networks, for periodic metrics collection
// (pkg/metrics.Source).
func (m *Manager) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, instances := range m.cache {
		count += len(instances)
	}

	return count
}

func createBridgeVlan(info types.NetworkInfo) error {
	bridgeName := "br-" + info.NetworkID

	bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: bridgeName}}

	if err := netlink.LinkAdd(bridge); err != nil && err.Error() != "file exists" {
		return fmt.Errorf("creating bridge %s: %w", bridgeName, err)
	}

	link, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("looking up bridge %s: %w", bridgeName, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing up bridge %s: %w", bridgeName, err)
	}

	if info.VlanIfName == "" {
		return nil
	}

	parent, err := netlink.LinkByName(info.VlanIfName)
	if err != nil {
		return fmt.Errorf("looking up vlan parent %s: %w", info.VlanIfName, err)
	}

	vlan := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        fmt.Sprintf("%s.%d", info.VlanIfName, info.VlanID),
			ParentIndex: parent.Attrs().Index,
		},
		VlanId: int(info.VlanID),
	}

	if err := netlink.LinkAdd(vlan); err != nil && err.Error() != "file exists" {
		return fmt.Errorf("creating vlan %d on %s: %w", info.VlanID, info.VlanIfName, err)
	}

	vlanLink, err := netlink.LinkByName(vlan.Name)
	if err != nil {
		return fmt.Errorf("looking up vlan link %s: %w", vlan.Name, err)
	}

	if err := netlink.LinkSetMaster(vlanLink, bridge); err != nil {
		return fmt.Errorf("attaching vlan %s to bridge %s: %w", vlan.Name, bridgeName, err)
	}

	return netlink.LinkSetUp(vlanLink)
}

func deleteBridgeVlan(info types.NetworkInfo) error {
	bridgeName := "br-" + info.NetworkID

	if link, err := netlink.LinkByName(bridgeName); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return fmt.Errorf("deleting bridge %s: %w", bridgeName, err)
		}
	}

	if info.VlanIfName == "" {
		return nil
	}

	vlanName := fmt.Sprintf("%s.%d", info.VlanIfName, info.VlanID)
	if link, err := netlink.LinkByName(vlanName); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return fmt.Errorf("deleting vlan %s: %w", vlanName, err)
		}
	}

	return nil
}

// Package types defines the shared data model for the service-manager
// core: instances, services, layers, networks, monitoring samples and
// alert rules. These types are passed between the launcher, layer
// manager, network manager and resource monitor; none of them own I/O.
package types

import "time"

// InstanceIdent uniquely identifies a service instance on this node.
type InstanceIdent struct {
	ServiceID string `json:"serviceId"`
	SubjectID string `json:"subjectId"`
	Instance  uint64 `json:"instance"`
}

// NetworkParameters describes the network endpoint assigned to an
// instance once NetworkManager has provisioned it.
type NetworkParameters struct {
	NetworkID  string   `json:"networkId"`
	Subnet     string   `json:"subnet"`
	IP         string   `json:"ip"`
	VlanID     uint64   `json:"vlanId"`
	VlanIfName string   `json:"vlanIfName"`
	DNSServers []string `json:"dnsServers,omitempty"`
	Hosts      []Host   `json:"hosts,omitempty"`
}

// Equal reports whether two NetworkParameters describe the same
// endpoint.
func (p NetworkParameters) Equal(o NetworkParameters) bool {
	return p.NetworkID == o.NetworkID && p.Subnet == o.Subnet && p.IP == o.IP &&
		p.VlanID == o.VlanID && p.VlanIfName == o.VlanIfName
}

// Host is a single hosts-file entry.
type Host struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

// InstanceInfo is the desired-state shape of an instance, supplied by
// the caller of RunInstances.
type InstanceInfo struct {
	InstanceIdent
	UID               int               `json:"uid"`
	Priority          uint32            `json:"priority"`
	StatePath         string            `json:"statePath,omitempty"`
	StoragePath       string            `json:"storagePath,omitempty"`
	NetworkParameters NetworkParameters `json:"networkParameters,omitempty"`
}

// InstanceData is InstanceInfo plus the opaque, stable runtime handle
// assigned once and persisted across restarts.
type InstanceData struct {
	InstanceInfo
	InstanceID string `json:"instanceId"`
}

// ServiceData is the launcher's read-only snapshot of a service owned
// by the (external) service manager.
type ServiceData struct {
	ServiceID    string   `json:"serviceId"`
	ProviderID   string   `json:"providerId"`
	Version      string   `json:"version"`
	GID          int      `json:"gid"`
	LocalPath    string   `json:"localPath"`
	Cached       bool     `json:"cached"`
	LayerDigests []string `json:"layerDigests,omitempty"`
}

// LayerState is the lifecycle state of a cached filesystem layer.
type LayerState string

const (
	LayerStateActive LayerState = "active"
	LayerStateCached LayerState = "cached"
)

// LayerData describes one row of the layer cache, keyed by LayerDigest.
type LayerData struct {
	LayerDigest   string     `json:"layerDigest"`
	LayerID       string     `json:"layerId"`
	Version       string     `json:"version"`
	ExtractedPath string     `json:"extractedPath"`
	OSVersion     string     `json:"osVersion"`
	Size          uint64     `json:"size"`
	State         LayerState `json:"state"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NetworkInfo is a persisted per-provider network record.
type NetworkInfo struct {
	NetworkID  string `json:"networkId"`
	Subnet     string `json:"subnet"`
	GatewayIP  string `json:"gatewayIp"`
	VlanID     uint64 `json:"vlanId"`
	VlanIfName string `json:"vlanIfName"`
}

// InstanceNetworkCacheEntry is the in-memory per-(networkID,instanceID)
// cache entry NetworkManager maintains while an instance is attached.
type InstanceNetworkCacheEntry struct {
	InstanceID string
	NetworkID  string
	IPAddr     string
	Hosts      []Host
}

// PartitionUsage reports used bytes for one disk partition during a
// monitoring sample.
type PartitionUsage struct {
	Name string `json:"name"`
	Used uint64 `json:"used"`
}

// MonitoringData is a single resource-usage sample, in DMIPS for CPU.
type MonitoringData struct {
	Timestamp  time.Time        `json:"timestamp"`
	CPUDMIPS   uint64           `json:"cpuDmips"`
	RAM        uint64           `json:"ram"`
	Partitions []PartitionUsage `json:"partitions,omitempty"`
	Download   uint64           `json:"download"`
	Upload     uint64           `json:"upload"`
}

// AlertRuleValue is the sum type for an alert rule's thresholds: either
// expressed as a percentage of a known max value, or as absolute
// points. Exactly one concrete implementation is ever used for a given
// AlertRule; callers type-switch rather than use inheritance.
type AlertRuleValue interface {
	isAlertRuleValue()
}

// PercentRule expresses thresholds as a percentage of MaxValue.
type PercentRule struct {
	MaxValue   uint64
	MinPercent float64
	MaxPercent float64
}

func (PercentRule) isAlertRuleValue() {}

// PointsRule expresses thresholds as absolute points.
type PointsRule struct {
	Min uint64
	Max uint64
}

func (PointsRule) isAlertRuleValue() {}

// AlertRule pairs a minimum sustain timeout with a threshold
// expression.
type AlertRule struct {
	MinTimeout time.Duration
	Value      AlertRuleValue
}

// Thresholds resolves the rule to concrete (min, max) absolute point
// values given the resource's max capacity (ignored for PointsRule).
func (r AlertRule) Thresholds() (min, max uint64) {
	switch v := r.Value.(type) {
	case PercentRule:
		return uint64(float64(v.MaxValue) * v.MinPercent / 100), uint64(float64(v.MaxValue) * v.MaxPercent / 100)
	case PointsRule:
		return v.Min, v.Max
	default:
		return 0, 0
	}
}

// AlertStatus is the status carried by an emitted alert.
type AlertStatus string

const (
	AlertStatusRaise    AlertStatus = "raise"
	AlertStatusContinue AlertStatus = "continue"
	AlertStatusFall     AlertStatus = "fall"
)

// ResourceLevel distinguishes system-wide from per-instance alerts.
type ResourceLevel string

const (
	ResourceLevelSystem   ResourceLevel = "system"
	ResourceLevelInstance ResourceLevel = "instance"
)

// ResourceKind is the resource a monitor/alert refers to.
type ResourceKind string

const (
	ResourceCPU       ResourceKind = "cpu"
	ResourceRAM       ResourceKind = "ram"
	ResourceDownload  ResourceKind = "download"
	ResourceUpload    ResourceKind = "upload"
	ResourcePartition ResourceKind = "partition"
)

// ResourceIdentifier names the resource an AlertProcessor watches.
type ResourceIdentifier struct {
	Level         ResourceLevel
	Kind          ResourceKind
	PartitionName string
	InstanceID    string
}

// AlertTemplate is the tagged sum type replacing the original's
// visitor-over-closed-variant; exactly one of the two fields is set,
// mirroring Design Note "Tagged alert templates" in spec.md §9.
type AlertTemplate struct {
	System   *SystemQuotaAlert
	Instance *InstanceQuotaAlert
}

// SystemQuotaAlert is the alert payload for node-level resource alerts.
type SystemQuotaAlert struct {
	NodeID    string
	Parameter string
	Value     uint64
	Time      time.Time
	Status    AlertStatus
}

// InstanceQuotaAlert is the alert payload for per-instance resource
// alerts.
type InstanceQuotaAlert struct {
	InstanceIdent
	Parameter string
	Value     uint64
	Time      time.Time
	Status    AlertStatus
}

// Fill stitches (value, time, status) into whichever concrete alert the
// template holds, returning the instantiated alert with exactly one of
// its two fields populated.
func (t AlertTemplate) Fill(value uint64, at time.Time, status AlertStatus) AlertTemplate {
	filled := AlertTemplate{}

	if t.System != nil {
		alert := *t.System
		alert.Value, alert.Time, alert.Status = value, at, status
		filled.System = &alert
	}

	if t.Instance != nil {
		alert := *t.Instance
		alert.Value, alert.Time, alert.Status = value, at, status
		filled.Instance = &alert
	}

	return filled
}

// OutdatedItem is one entry in a partition's LRU-by-timestamp eviction
// set, tracked by the space allocator.
type OutdatedItem struct {
	ID        string
	Size      uint64
	Timestamp time.Time
}

// InstanceRunState is the runtime state of a launched instance.
type InstanceRunState string

const (
	InstanceRunStateActive InstanceRunState = "active"
	InstanceRunStateFailed InstanceRunState = "failed"
)

// InstanceStatus is reported back to the (external) status receiver
// once per reconciliation cycle.
type InstanceStatus struct {
	InstanceIdent
	ServiceVersion string           `json:"serviceVersion"`
	RunState       InstanceRunState `json:"runState"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
}

// NodeConfig is the resource-manager's node-level configuration,
// loaded from the resource-manager JSON file (spec.md §6).
type NodeConfig struct {
	NodeType   string     `json:"nodeType"`
	Devices    []Device   `json:"devices,omitempty"`
	Resources  []Resource `json:"resources,omitempty"`
	Labels     []string   `json:"labels,omitempty"`
	Priority   uint32     `json:"priority"`
	AlertRules AlertRules `json:"alertRules"`
}

// Device describes one allocatable device class on the node.
// SharedCount == 0 means unlimited allocation (spec.md §8 boundary
// behavior).
type Device struct {
	Name        string `json:"name"`
	SharedCount int    `json:"sharedCount"`
}

// Resource is a named resource the node advertises as available.
type Resource struct {
	Name string `json:"name"`
}

// AlertRules is the full set of node-level alert thresholds read from
// the resource-manager file.
type AlertRules struct {
	CPU        *RawAlertRule           `json:"cpu,omitempty"`
	RAM        *RawAlertRule           `json:"ram,omitempty"`
	Partitions map[string]RawAlertRule `json:"partitions,omitempty"`
	Download   *RawAlertRule           `json:"download,omitempty"`
	Upload     *RawAlertRule           `json:"upload,omitempty"`
}

// RawAlertRule is the wire shape of an AlertRule before it is resolved
// into a types.AlertRule: MinTimeout is an ISO-8601 duration string.
type RawAlertRule struct {
	MinTimeout string  `json:"minTimeout"`
	MinPercent float64 `json:"minThreshold"`
	MaxPercent float64 `json:"maxThreshold"`
}

// ResourceManagerFile is the top-level shape of the resource-manager
// JSON file (spec.md §6).
type ResourceManagerFile struct {
	Version    string     `json:"version"`
	NodeConfig NodeConfig `json:"nodeConfig"`
}

// Package resourcemonitor periodically samples host and instance
// resource usage, maintains sliding-window averages, drives
// hysteresis-based quota AlertProcessors, and pushes periodic
// telemetry while connected (spec.md §4.4). ResourceMonitor
// exclusively owns monitoring subscriptions and alert processors.
package resourcemonitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aosedge/aos-sm/pkg/isoduration"
	"github.com/aosedge/aos-sm/pkg/metrics"
	"github.com/aosedge/aos-sm/pkg/types"
)

// NodeSampler samples host-level resource usage for one period.
type NodeSampler interface {
	SampleNode() (types.MonitoringData, error)
}

// InstanceSampler samples one instance's resource usage for one
// period; implementations are expected to read cgroup accounting for
// instanceID.
type InstanceSampler interface {
	SampleInstance(instanceID string) (types.MonitoringData, error)
}

// TelemetrySender pushes one period's samples to the cloud; gated by
// connectivity the same way Launcher's status reports are.
type TelemetrySender interface {
	SendMonitoringData(node types.MonitoringData, instances map[string]types.MonitoringData) error
}

// Config holds the monitor's scheduling and conversion tunables.
type Config struct {
	PollPeriod    time.Duration
	AverageWindow time.Duration
	MaxDMIPS      uint64
}

func (c Config) windowSamples() int {
	if c.PollPeriod <= 0 {
		return 1
	}

	n := int(c.AverageWindow / c.PollPeriod)
	if n <= 0 {
		n = 1
	}

	return n
}

type instanceEntry struct {
	priority   uint32
	processors []*AlertProcessor
	average    map[types.ResourceKind]*slidingWindow
}

// Monitor is the periodic sampler + alert driver. Zero value is not
// usable; construct with New.
type Monitor struct {
	cfg             Config
	nodeSampler     NodeSampler
	instanceSampler InstanceSampler
	alertSender     AlertSender
	telemetry       TelemetrySender
	logger          zerolog.Logger

	mu                 sync.Mutex
	connected          bool
	nodeConfig         types.NodeConfig
	nodeProcessors     []*AlertProcessor
	nodeAverage        map[types.ResourceKind]*slidingWindow
	instances          map[string]*instanceEntry
	instanceAlertRules types.AlertRules

	limiter  *rate.Limiter
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Monitor. Call Start to begin the periodic sampling
// loop.
func New(cfg Config, nodeSampler NodeSampler, instanceSampler InstanceSampler, alertSender AlertSender, telemetry TelemetrySender, logger zerolog.Logger) *Monitor {
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 5 * time.Second
	}

	return &Monitor{
		cfg:             cfg,
		nodeSampler:     nodeSampler,
		instanceSampler: instanceSampler,
		alertSender:     alertSender,
		telemetry:       telemetry,
		logger:          logger.With().Str("component", "resourcemonitor").Logger(),
		nodeAverage:     map[types.ResourceKind]*slidingWindow{},
		instances:       map[string]*instanceEntry{},
		limiter:         rate.NewLimiter(rate.Every(cfg.PollPeriod), 1),
		stopCh:          make(chan struct{}),
	}
}

// OnConnect / OnDisconnect gate telemetry delivery the same way the
// launcher's status reports are gated (spec.md §4.4 "Scheduling").
func (m *Monitor) OnConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
}

func (m *Monitor) OnDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// ReceiveNodeConfig rebuilds the full set of system alert processors
// from a newly arrived node config without restarting the poll loop
// (spec.md §4.4 "Node-config hot reload").
func (m *Monitor) ReceiveNodeConfig(cfg types.NodeConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodeConfig = cfg
	m.instanceAlertRules = cfg.AlertRules
	m.nodeProcessors = buildProcessors(cfg.AlertRules, m.cfg.MaxDMIPS, types.ResourceLevelSystem, "", m.alertSender)
}

// StartInstanceMonitoring begins tracking one instance, building its
// AlertProcessors from the instance-level alert rules currently in
// effect; it satisfies launcher.MonitorSubscriber.
func (m *Monitor) StartInstanceMonitoring(instanceID string, priority uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[instanceID] = &instanceEntry{
		priority:   priority,
		processors: buildProcessors(m.instanceAlertRules, m.cfg.MaxDMIPS, types.ResourceLevelInstance, instanceID, m.alertSender),
		average:    map[types.ResourceKind]*slidingWindow{},
	}

	return nil
}

// StopInstanceMonitoring drops instanceID's subscription and alert
// processors.
func (m *Monitor) StopInstanceMonitoring(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)

	return nil
}

// buildProcessors turns a node config's alert rules into one
// AlertProcessor per resource kind that has a rule configured.
func buildProcessors(rules types.AlertRules, maxDMIPS uint64, level types.ResourceLevel, instanceID string, sender AlertSender) []*AlertProcessor {
	var processors []*AlertProcessor

	add := func(kind types.ResourceKind, raw *types.RawAlertRule, maxValue uint64) {
		if raw == nil {
			return
		}

		rule := types.AlertRule{
			MinTimeout: parseMinTimeout(raw.MinTimeout),
			Value:      types.PercentRule{MaxValue: maxValue, MinPercent: raw.MinPercent, MaxPercent: raw.MaxPercent},
		}

		template := newTemplate(level, kind, instanceID, "")
		processors = append(processors, NewAlertProcessor(rule, maxValue, template, sender))
	}

	add(types.ResourceCPU, rules.CPU, maxDMIPS)
	add(types.ResourceRAM, rules.RAM, 0)
	add(types.ResourceDownload, rules.Download, 0)
	add(types.ResourceUpload, rules.Upload, 0)

	for name, raw := range rules.Partitions {
		raw := raw

		template := newTemplate(level, types.ResourcePartition, instanceID, name)
		rule := types.AlertRule{
			MinTimeout: parseMinTimeout(raw.MinTimeout),
			Value:      types.PercentRule{MinPercent: raw.MinPercent, MaxPercent: raw.MaxPercent},
		}
		processors = append(processors, NewAlertProcessor(rule, 0, template, sender))
	}

	return processors
}

func newTemplate(level types.ResourceLevel, kind types.ResourceKind, instanceID, partition string) types.AlertTemplate {
	parameter := string(kind)
	if partition != "" {
		parameter = partition
	}

	if level == types.ResourceLevelSystem {
		return types.AlertTemplate{System: &types.SystemQuotaAlert{Parameter: parameter}}
	}

	return types.AlertTemplate{Instance: &types.InstanceQuotaAlert{Parameter: parameter}}
}

func parseMinTimeout(raw string) time.Duration {
	if raw == "" {
		return 0
	}

	d, err := isoduration.Parse(raw)
	if err != nil {
		return 0
	}

	return d
}

// Start launches the background sampling loop; it runs until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.PollPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				// The ticker alone does not guarantee strict periodicity
				// under spurious wakeups (spec.md §9 open question); the
				// limiter is a second gate so a cycle never runs more
				// often than PollPeriod even if the ticker fires early.
				if err := m.limiter.Wait(ctx); err != nil {
					return
				}

				m.runCycle()
			}
		}
	}()
}

// Stop halts the sampling loop and waits for the current cycle, if
// any, to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// runCycle is one sampling period (spec.md §4.4 "Per-cycle flow").
func (m *Monitor) runCycle() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MonitoringSampleDuration)

	now := time.Now()

	var nodeData types.MonitoringData

	if m.nodeSampler != nil {
		data, err := m.nodeSampler.SampleNode()
		if err != nil {
			m.logger.Error().Err(err).Msg("node sampling failed")
		} else {
			nodeData = data
			nodeData.CPUDMIPS = nodeData.CPUDMIPS * m.cfg.MaxDMIPS / 100
		}
	}

	m.mu.Lock()
	instanceIDs := make([]string, 0, len(m.instances))
	for id := range m.instances {
		instanceIDs = append(instanceIDs, id)
	}
	m.mu.Unlock()

	instanceSamples := make(map[string]types.MonitoringData, len(instanceIDs))

	for _, id := range instanceIDs {
		if m.instanceSampler == nil {
			continue
		}

		data, err := m.instanceSampler.SampleInstance(id)
		if err != nil {
			m.logger.Error().Err(err).Str("instanceId", id).Msg("instance sampling failed")
			continue
		}

		data.CPUDMIPS = data.CPUDMIPS * m.cfg.MaxDMIPS / 100
		instanceSamples[id] = data

		m.driveInstanceAlerts(id, data, now)
	}

	m.driveNodeAlerts(nodeData, now)
	m.updateAverages(nodeData, instanceSamples)

	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	if connected && m.telemetry != nil {
		if err := m.telemetry.SendMonitoringData(nodeData, instanceSamples); err != nil {
			m.logger.Error().Err(err).Msg("failed to send monitoring telemetry")
		}
	}
}

func (m *Monitor) driveNodeAlerts(data types.MonitoringData, now time.Time) {
	m.mu.Lock()
	processors := m.nodeProcessors
	m.mu.Unlock()

	m.driveAlerts(processors, data, now)
}

func (m *Monitor) driveInstanceAlerts(instanceID string, data types.MonitoringData, now time.Time) {
	m.mu.Lock()
	entry, ok := m.instances[instanceID]
	m.mu.Unlock()

	if !ok {
		return
	}

	m.driveAlerts(entry.processors, data, now)
}

// driveAlerts feeds one sample's resources through every processor
// watching a matching kind; the resolution of "which field of
// MonitoringData" is by resource kind embedded in the processor's
// template parameter at construction.
func (m *Monitor) driveAlerts(processors []*AlertProcessor, data types.MonitoringData, now time.Time) {
	for _, p := range processors {
		value := resourceValue(p, data)
		wasActive := p.Active()

		if err := p.Process(value, now); err != nil {
			m.logger.Error().Err(err).Msg("failed to send alert")
			continue
		}

		if !wasActive && p.Active() {
			level := string(types.ResourceLevelSystem)
			if p.template.Instance != nil {
				level = string(types.ResourceLevelInstance)
			}

			metrics.AlertsRaisedTotal.WithLabelValues(alertParameter(p), level).Inc()
		}
	}
}

func alertParameter(p *AlertProcessor) string {
	if p.template.System != nil {
		return p.template.System.Parameter
	}

	if p.template.Instance != nil {
		return p.template.Instance.Parameter
	}

	return ""
}

func resourceValue(p *AlertProcessor, data types.MonitoringData) uint64 {
	param := alertParameter(p)

	switch param {
	case string(types.ResourceCPU):
		return data.CPUDMIPS
	case string(types.ResourceRAM):
		return data.RAM
	case string(types.ResourceDownload):
		return data.Download
	case string(types.ResourceUpload):
		return data.Upload
	default:
		for _, part := range data.Partitions {
			if part.Name == param {
				return part.Used
			}
		}

		return 0
	}
}

func (m *Monitor) updateAverages(node types.MonitoringData, instances map[string]types.MonitoringData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowSize := m.cfg.windowSamples()

	addWindow := func(set map[types.ResourceKind]*slidingWindow, kind types.ResourceKind, value uint64) {
		w, ok := set[kind]
		if !ok {
			w = newSlidingWindow(windowSize)
			set[kind] = w
		}

		w.add(value)
	}

	addWindow(m.nodeAverage, types.ResourceCPU, node.CPUDMIPS)
	addWindow(m.nodeAverage, types.ResourceRAM, node.RAM)
	addWindow(m.nodeAverage, types.ResourceDownload, node.Download)
	addWindow(m.nodeAverage, types.ResourceUpload, node.Upload)

	for id, data := range instances {
		entry, ok := m.instances[id]
		if !ok {
			continue
		}

		addWindow(entry.average, types.ResourceCPU, data.CPUDMIPS)
		addWindow(entry.average, types.ResourceRAM, data.RAM)
		addWindow(entry.average, types.ResourceDownload, data.Download)
		addWindow(entry.average, types.ResourceUpload, data.Upload)
	}
}

// NodeAverage returns the current sliding-window average for one
// node-level resource kind.
func (m *Monitor) NodeAverage(kind types.ResourceKind) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.nodeAverage[kind]
	if !ok {
		return 0
	}

	return w.average()
}

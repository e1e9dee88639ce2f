package resourcemonitor

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos-sm/pkg/types"
)

type fakeNodeSampler struct {
	mu   sync.Mutex
	data types.MonitoringData
}

func (f *fakeNodeSampler) set(data types.MonitoringData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
}

func (f *fakeNodeSampler) SampleNode() (types.MonitoringData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.data, nil
}

type fakeTelemetry struct {
	mu   sync.Mutex
	sent int
}

func (f *fakeTelemetry) SendMonitoringData(node types.MonitoringData, instances map[string]types.MonitoringData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++

	return nil
}

func (f *fakeTelemetry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sent
}

func TestMonitorSendsTelemetryOnlyWhenConnected(t *testing.T) {
	sampler := &fakeNodeSampler{}
	telemetry := &fakeTelemetry{}

	m := New(Config{PollPeriod: 20 * time.Millisecond, MaxDMIPS: 2000}, sampler, NullInstanceSampler{}, &recordingSender{}, telemetry, zerolog.Nop())

	m.runCycle()
	require.Equal(t, 0, telemetry.count(), "must not send telemetry while disconnected")

	m.OnConnect()
	m.runCycle()
	require.Equal(t, 1, telemetry.count())

	m.OnDisconnect()
	m.runCycle()
	require.Equal(t, 1, telemetry.count(), "must stop sending once disconnected again")
}

func TestMonitorReceiveNodeConfigRebuildsProcessors(t *testing.T) {
	sender := &recordingSender{}
	m := New(Config{PollPeriod: 20 * time.Millisecond, MaxDMIPS: 1000}, &fakeNodeSampler{}, NullInstanceSampler{}, sender, &fakeTelemetry{}, zerolog.Nop())

	m.ReceiveNodeConfig(types.NodeConfig{
		AlertRules: types.AlertRules{
			CPU: &types.RawAlertRule{MinTimeout: "PT0S", MinPercent: 10, MaxPercent: 50},
		},
	})

	require.Len(t, m.nodeProcessors, 1)

	m.ReceiveNodeConfig(types.NodeConfig{})
	require.Empty(t, m.nodeProcessors)
}

func TestMonitorInstanceLifecycle(t *testing.T) {
	sender := &recordingSender{}
	m := New(Config{PollPeriod: 20 * time.Millisecond, MaxDMIPS: 1000}, &fakeNodeSampler{}, NullInstanceSampler{}, sender, &fakeTelemetry{}, zerolog.Nop())

	require.NoError(t, m.StartInstanceMonitoring("inst-1", 0))
	require.Contains(t, m.instances, "inst-1")

	require.NoError(t, m.StopInstanceMonitoring("inst-1"))
	require.NotContains(t, m.instances, "inst-1")
}

func TestMonitorCPUScaledToDMIPS(t *testing.T) {
	sampler := &fakeNodeSampler{}
	sampler.set(types.MonitoringData{CPUDMIPS: 50})

	m := New(Config{PollPeriod: 20 * time.Millisecond, MaxDMIPS: 2000}, sampler, NullInstanceSampler{}, &recordingSender{}, &fakeTelemetry{}, zerolog.Nop())
	m.OnConnect()
	m.runCycle()

	require.Equal(t, uint64(1000), m.NodeAverage(types.ResourceCPU))
}

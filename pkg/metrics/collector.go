package metrics

import "time"

// InstanceCounts reports the current number of instances per run state,
// keyed by the state's string form (e.g. "active", "failed").
type InstanceCounts map[string]int

// LayerCounts reports the current number of layers per state, keyed by
// the state's string form (e.g. "active", "cached").
type LayerCounts map[string]int

// Source is implemented by the launcher to expose a point-in-time
// snapshot for periodic metrics collection, without the metrics
// package importing the launcher (which would import metrics itself
// for ReconciliationDuration).
type Source interface {
	InstanceCounts() InstanceCounts
	LayerCounts() LayerCounts
	NetworkInstanceCount() int
}

// Collector periodically samples a Source and updates the package's
// gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds, collecting once
// immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)

	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for state, count := range c.source.InstanceCounts() {
		InstancesTotal.WithLabelValues(state).Set(float64(count))
	}

	for state, count := range c.source.LayerCounts() {
		LayersTotal.WithLabelValues(state).Set(float64(count))
	}

	NetworkInstancesTotal.Set(float64(c.source.NetworkInstanceCount()))
}

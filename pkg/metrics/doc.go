/*
Package metrics defines and registers the Prometheus series exposed by
the service-manager core: reconciliation duration and counts, instance
and layer state gauges, network attach latency, alert counts, and
space-allocator eviction/usage counters. Metrics are exposed via
Handler for scraping; HealthHandler/ReadyHandler/LivenessHandler expose
a small component-health registry alongside them.

A Collector periodically samples a launcher-supplied Source to keep the
instance/layer/network gauges current without this package importing
the launcher.
*/
package metrics

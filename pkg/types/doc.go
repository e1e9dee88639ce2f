/*
Package types defines the data model shared by the launcher, layer
manager, network manager and resource monitor.

It holds no behavior beyond small value-type helpers (NetworkParameters.Equal,
AlertRule.Thresholds, AlertTemplate.Fill); all I/O and synchronization
live in the packages that consume these types. Everything here is
JSON-serializable since pkg/storage persists it as-is in BoltDB.
*/
package types

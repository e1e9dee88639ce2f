// Package storage defines the narrow, per-subsystem persistence traits
// the launcher, layer manager and network manager each hold, and a
// single BoltDB-backed implementation of all three sharing one
// database file (bucket-per-entity, JSON-encoded rows), the way
// multiple call sites in the teacher shared one store handle.
package storage

import (
	"time"

	"github.com/aosedge/aos-sm/pkg/types"
)

// LauncherStorage persists the current instance set and launcher-owned
// bookkeeping (operation version, override env vars, last online time).
type LauncherStorage interface {
	AddInstance(instance types.InstanceData) error
	UpdateInstance(instance types.InstanceData) error
	RemoveInstance(ident types.InstanceIdent) error
	GetAllInstances() ([]types.InstanceData, error)

	GetOperationVersion() (string, error)
	SetOperationVersion(version string) error

	GetOverrideEnvVars() (map[types.InstanceIdent][]string, error)
	SetOverrideEnvVars(vars map[types.InstanceIdent][]string) error

	GetOnlineTime() (time.Time, error)
	SetOnlineTime(t time.Time) error
}

// LayerStorage persists content-addressed layer rows.
type LayerStorage interface {
	AddLayer(layer types.LayerData) error
	UpdateLayer(layer types.LayerData) error
	RemoveLayer(digest string) error
	GetLayer(digest string) (types.LayerData, error)
	GetAllLayers() ([]types.LayerData, error)
}

// NetworkStorage persists provider network rows and per-chain traffic
// monitor counters.
type NetworkStorage interface {
	AddNetworkInfo(info types.NetworkInfo) error
	RemoveNetworkInfo(networkID string) error
	GetNetworksInfo() ([]types.NetworkInfo, error)

	GetTrafficMonitorData(chain string) (updateTime time.Time, value uint64, err error)
	SetTrafficMonitorData(chain string, updateTime time.Time, value uint64) error
	RemoveTrafficMonitorData(chain string) error
}

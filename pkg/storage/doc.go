// Package storage provides BoltDB-backed state persistence for the
// launcher, layer manager and network manager, each through its own
// narrow interface (LauncherStorage, LayerStorage, NetworkStorage)
// rather than one shared interface, since the three subsystems own
// disjoint data and are never interested in each other's rows.
package storage

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/types"
)

var (
	bucketInstances     = []byte("instances")
	bucketLayers        = []byte("layers")
	bucketNetworks      = []byte("networks")
	bucketTrafficMon    = []byte("traffic_monitor")
	bucketLauncherState = []byte("launcher_state")
)

const (
	keyOperationVersion = "operationVersion"
	keyOverrideEnvVars  = "overrideEnvVars"
	keyOnlineTime       = "onlineTime"
)

// BoltStorage implements LauncherStorage, LayerStorage and
// NetworkStorage backed by a single bbolt database file, one bucket
// per entity, rows JSON-encoded by key.
type BoltStorage struct {
	db *bolt.DB
}

// New opens (creating if necessary) the BoltDB file at path and
// ensures every bucket this package uses exists.
func New(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, aoserrors.Wrap(fmt.Errorf("opening database %s: %w", path, err))
	}

	buckets := [][]byte{bucketInstances, bucketLayers, bucketNetworks, bucketTrafficMon, bucketLauncherState}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, aoserrors.Wrap(err)
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func instanceKey(ident types.InstanceIdent) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", ident.ServiceID, ident.SubjectID, ident.Instance))
}

func put(tx *bolt.Tx, bucket []byte, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return aoserrors.WrapWithKind(aoserrors.KindFailed, err)
	}

	return tx.Bucket(bucket).Put([]byte(key), data)
}

// AddInstance stores a new instance row (upsert semantics, same as
// UpdateInstance).
func (s *BoltStorage) AddInstance(instance types.InstanceData) error {
	return s.UpdateInstance(instance)
}

// UpdateInstance upserts an instance row keyed by its InstanceIdent.
func (s *BoltStorage) UpdateInstance(instance types.InstanceData) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketInstances, string(instanceKey(instance.InstanceIdent)), instance)
	}))
}

// RemoveInstance deletes the instance row for ident, if present.
func (s *BoltStorage) RemoveInstance(ident types.InstanceIdent) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete(instanceKey(ident))
	}))
}

// GetAllInstances returns every persisted instance row.
func (s *BoltStorage) GetAllInstances() ([]types.InstanceData, error) {
	var instances []types.InstanceData

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(_, v []byte) error {
			var instance types.InstanceData

			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}

			instances = append(instances, instance)

			return nil
		})
	})

	return instances, aoserrors.Wrap(err)
}

// GetOperationVersion returns the last persisted operation version, or
// the empty string if never set.
func (s *BoltStorage) GetOperationVersion() (string, error) {
	var version string

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLauncherState).Get([]byte(keyOperationVersion))
		version = string(data)

		return nil
	})

	return version, aoserrors.Wrap(err)
}

// SetOperationVersion persists the current operation version.
func (s *BoltStorage) SetOperationVersion(version string) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLauncherState).Put([]byte(keyOperationVersion), []byte(version))
	}))
}

// GetOverrideEnvVars returns the persisted per-instance env var
// overrides.
func (s *BoltStorage) GetOverrideEnvVars() (map[types.InstanceIdent][]string, error) {
	result := map[types.InstanceIdent][]string{}

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLauncherState).Get([]byte(keyOverrideEnvVars))
		if data == nil {
			return nil
		}

		var raw []overrideEnvEntry
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}

		for _, entry := range raw {
			result[entry.Ident] = entry.Vars
		}

		return nil
	})

	return result, aoserrors.Wrap(err)
}

// SetOverrideEnvVars replaces the whole override-env table.
func (s *BoltStorage) SetOverrideEnvVars(vars map[types.InstanceIdent][]string) error {
	raw := make([]overrideEnvEntry, 0, len(vars))
	for ident, v := range vars {
		raw = append(raw, overrideEnvEntry{Ident: ident, Vars: v})
	}

	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketLauncherState, keyOverrideEnvVars, raw)
	}))
}

type overrideEnvEntry struct {
	Ident types.InstanceIdent `json:"ident"`
	Vars  []string            `json:"vars"`
}

// GetOnlineTime returns the last time the launcher observed cloud
// connectivity, or the zero time if never set.
func (s *BoltStorage) GetOnlineTime() (time.Time, error) {
	var t time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLauncherState).Get([]byte(keyOnlineTime))
		if data == nil {
			return nil
		}

		return t.UnmarshalText(data)
	})

	return t, aoserrors.Wrap(err)
}

// SetOnlineTime persists the last-online timestamp.
func (s *BoltStorage) SetOnlineTime(t time.Time) error {
	data, err := t.MarshalText()
	if err != nil {
		return aoserrors.Wrap(err)
	}

	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLauncherState).Put([]byte(keyOnlineTime), data)
	}))
}

// AddLayer stores a new layer row (upsert semantics).
func (s *BoltStorage) AddLayer(layer types.LayerData) error {
	return s.UpdateLayer(layer)
}

// UpdateLayer upserts a layer row keyed by digest.
func (s *BoltStorage) UpdateLayer(layer types.LayerData) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketLayers, layer.LayerDigest, layer)
	}))
}

// RemoveLayer deletes the layer row for digest, if present.
func (s *BoltStorage) RemoveLayer(digest string) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLayers).Delete([]byte(digest))
	}))
}

// GetLayer returns the layer row for digest.
func (s *BoltStorage) GetLayer(digest string) (types.LayerData, error) {
	var layer types.LayerData

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLayers).Get([]byte(digest))
		if data == nil {
			return aoserrors.New(aoserrors.KindNotFound, fmt.Sprintf("layer not found: %s", digest))
		}

		return json.Unmarshal(data, &layer)
	})

	return layer, err
}

// GetAllLayers returns every persisted layer row.
func (s *BoltStorage) GetAllLayers() ([]types.LayerData, error) {
	var layers []types.LayerData

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLayers).ForEach(func(_, v []byte) error {
			var layer types.LayerData

			if err := json.Unmarshal(v, &layer); err != nil {
				return err
			}

			layers = append(layers, layer)

			return nil
		})
	})

	return layers, aoserrors.Wrap(err)
}

// AddNetworkInfo stores a new network row (upsert semantics).
func (s *BoltStorage) AddNetworkInfo(info types.NetworkInfo) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketNetworks, info.NetworkID, info)
	}))
}

// RemoveNetworkInfo deletes the network row for networkID, if present.
func (s *BoltStorage) RemoveNetworkInfo(networkID string) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).Delete([]byte(networkID))
	}))
}

// GetNetworksInfo returns every persisted network row.
func (s *BoltStorage) GetNetworksInfo() ([]types.NetworkInfo, error) {
	var infos []types.NetworkInfo

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(_, v []byte) error {
			var info types.NetworkInfo

			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}

			infos = append(infos, info)

			return nil
		})
	})

	return infos, aoserrors.Wrap(err)
}

type trafficEntry struct {
	UpdateTime time.Time `json:"updateTime"`
	Value      uint64    `json:"value"`
}

// GetTrafficMonitorData returns the persisted traffic counter for
// chain, or the zero time/value if never set.
func (s *BoltStorage) GetTrafficMonitorData(chain string) (time.Time, uint64, error) {
	var entry trafficEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTrafficMon).Get([]byte(chain))
		if data == nil {
			return nil
		}

		return json.Unmarshal(data, &entry)
	})

	return entry.UpdateTime, entry.Value, aoserrors.Wrap(err)
}

// SetTrafficMonitorData upserts the traffic counter for chain.
func (s *BoltStorage) SetTrafficMonitorData(chain string, updateTime time.Time, value uint64) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTrafficMon, chain, trafficEntry{UpdateTime: updateTime, Value: value})
	}))
}

// RemoveTrafficMonitorData deletes the traffic counter for chain.
func (s *BoltStorage) RemoveTrafficMonitorData(chain string) error {
	return aoserrors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrafficMon).Delete([]byte(chain))
	}))
}

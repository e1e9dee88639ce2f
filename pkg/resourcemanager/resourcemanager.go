// Package resourcemanager watches the resource-manager JSON file
// (spec.md §6) for atomic replacement and pushes the parsed NodeConfig
// to subscribers, most notably pkg/resourcemonitor.
package resourcemanager

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/types"
)

const pollPeriod = 2 * time.Second

// ConfigReceiver is notified whenever the resource-manager file's
// content changes; pkg/resourcemonitor implements it via
// ReceiveNodeConfig.
type ConfigReceiver interface {
	ReceiveNodeConfig(cfg types.NodeConfig)
}

// Watcher polls path for changes and pushes the parsed NodeConfig to
// receiver. A missing file is not an error: it is treated as version
// "0.0.0" with an empty NodeConfig, matching a node with no resource
// manager installed.
type Watcher struct {
	path     string
	receiver ConfigReceiver
	logger   zerolog.Logger

	mu          sync.Mutex
	lastVersion string
	lastModTime time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Watcher for the resource-manager file at path.
func New(path string, receiver ConfigReceiver, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		receiver: receiver,
		logger:   logger.With().Str("component", "resourcemanager").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start reads the file once synchronously, delivering its initial
// NodeConfig before returning, then begins polling for changes in the
// background.
func (w *Watcher) Start() error {
	if err := w.poll(); err != nil {
		return err
	}

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(pollPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := w.poll(); err != nil {
					w.logger.Error().Err(err).Msg("failed to reload resource manager file")
				}
			case <-w.stopCh:
				return
			}
		}
	}()

	return nil
}

// Stop halts the polling loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Watcher) poll() error {
	info, err := os.Stat(w.path)
	if os.IsNotExist(err) {
		return w.apply("0.0.0", types.NodeConfig{}, time.Time{})
	}

	if err != nil {
		return aoserrors.Wrap(err)
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastModTime)
	w.mu.Unlock()

	if unchanged {
		return nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	var file types.ResourceManagerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return aoserrors.Wrap(err)
	}

	return w.apply(file.Version, file.NodeConfig, info.ModTime())
}

func (w *Watcher) apply(version string, cfg types.NodeConfig, modTime time.Time) error {
	w.mu.Lock()
	unchanged := version == w.lastVersion
	w.lastVersion = version
	w.lastModTime = modTime
	w.mu.Unlock()

	if unchanged {
		return nil
	}

	w.logger.Info().Str("version", version).Msg("resource manager config changed")

	if w.receiver != nil {
		w.receiver.ReceiveNodeConfig(cfg)
	}

	return nil
}

// Package layermanager maintains a content-addressed directory of
// extracted filesystem layers shared by multiple services, with
// TTL-bounded caching and capacity-limited eviction through the
// spaceallocator package. LayerManager exclusively owns layer rows and
// their extracted directories.
package layermanager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/spaceallocator"
	"github.com/aosedge/aos-sm/pkg/storage"
	"github.com/aosedge/aos-sm/pkg/types"
)

const manifestFileName = "manifest.json"

// LayerInfo is one entry of a desired-layers request.
type LayerInfo struct {
	LayerDigest string
	LayerID     string
	Version     string
	OSVersion   string
	URL         string
}

// LayerResultKind reports the outcome of installing one layer in a
// batch; the batch itself never fails as a whole (spec.md §4.2).
type LayerResultKind string

const (
	LayerInstalled LayerResultKind = "installed"
	LayerError     LayerResultKind = "error"
)

// LayerResult is one entry of process_desired_layers's per-layer
// status vector.
type LayerResult struct {
	LayerDigest string
	Kind        LayerResultKind
	ErrorKind   aoserrors.Kind
	Message     string
}

// ImageHandler extracts a downloaded layer archive into destDir and
// reports the digest it computed while doing so; it is an external
// collaborator (spec.md §1: "OCI-spec JSON codecs ... called through
// narrow traits").
type ImageHandler interface {
	ExtractLayer(archivePath, destDir string) (computedDigest string, err error)
}

// Downloader fetches a remote layer archive to destPath.
type Downloader interface {
	Download(url, destPath string) error
}

// Config holds the directories and tunables LayerManager needs.
type Config struct {
	LayersDir   string
	DownloadDir string
	TTL         time.Duration
	InstallPoolSize int
}

// Manager implements the layer cache described in spec.md §4.2.
type Manager struct {
	cfg        Config
	storage    storage.LayerStorage
	downloadSp *spaceallocator.Allocator
	extractSp  *spaceallocator.Allocator
	image      ImageHandler
	download   Downloader
	logger     zerolog.Logger

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Manager. downloadSp and extractSp must be space
// allocators rooted at cfg.DownloadDir and cfg.LayersDir respectively,
// both configured with this Manager as their ItemRemover.
func New(cfg Config, store storage.LayerStorage, downloadSp, extractSp *spaceallocator.Allocator, image ImageHandler, download Downloader, logger zerolog.Logger) *Manager {
	if cfg.InstallPoolSize <= 0 {
		cfg.InstallPoolSize = 4
	}

	return &Manager{
		cfg:        cfg,
		storage:    store,
		downloadSp: downloadSp,
		extractSp:  extractSp,
		image:      image,
		download:   download,
		logger:     logger.With().Str("component", "layermanager").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Init clears the download directory, ensures the layers directory
// exists, reconciles storage rows against what's actually on disk, and
// registers outdated (Cached) rows with the space allocator, sweeping
// away anything already past TTL.
func (m *Manager) Init() error {
	if err := os.RemoveAll(m.cfg.DownloadDir); err != nil {
		return aoserrors.Wrap(err)
	}

	if err := os.MkdirAll(m.cfg.DownloadDir, 0o755); err != nil {
		return aoserrors.Wrap(err)
	}

	if err := os.MkdirAll(m.cfg.LayersDir, 0o755); err != nil {
		return aoserrors.Wrap(err)
	}

	if err := m.reconcileDamage(); err != nil {
		return err
	}

	return m.sweep()
}

// reconcileDamage removes storage rows whose directory is missing and
// deletes on-disk directories with no corresponding row.
func (m *Manager) reconcileDamage() error {
	rows, err := m.storage.GetAllLayers()
	if err != nil {
		return aoserrors.Wrap(err)
	}

	known := make(map[string]bool, len(rows))

	for _, row := range rows {
		known[filepath.Clean(row.ExtractedPath)] = true

		if _, err := os.Stat(row.ExtractedPath); os.IsNotExist(err) {
			if err := m.storage.RemoveLayer(row.LayerDigest); err != nil {
				m.logger.Error().Err(err).Str("digest", row.LayerDigest).Msg("failed to remove orphaned layer row")
			}
		}
	}

	// layout is <layersDir>/<alg>/<digest>; any such directory with no
	// matching row is leftover from a crash mid-install and gets purged.
	digestDirs, err := filepath.Glob(filepath.Join(m.cfg.LayersDir, "*", "*"))
	if err != nil {
		return aoserrors.Wrap(err)
	}

	for _, dir := range digestDirs {
		if known[filepath.Clean(dir)] {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			m.logger.Error().Err(err).Str("path", dir).Msg("failed to remove orphaned layer directory")
		}
	}

	return nil
}

// sweep puts every Cached row into the space allocator's outdated set
// with its timestamp, then removes rows whose age has reached TTL —
// TTL==0 means everything cached is immediately outdated (spec.md §8).
func (m *Manager) sweep() error {
	rows, err := m.storage.GetAllLayers()
	if err != nil {
		return aoserrors.Wrap(err)
	}

	now := time.Now()

	for _, row := range rows {
		if row.State != types.LayerStateCached {
			continue
		}

		if err := m.extractSp.AddOutdatedItem(row.LayerDigest, row.Size, row.Timestamp); err != nil {
			m.logger.Error().Err(err).Str("digest", row.LayerDigest).Msg("failed to register outdated layer")
		}

		if now.Sub(row.Timestamp) >= m.cfg.TTL {
			if err := m.RemoveItem(row.LayerDigest); err != nil {
				m.logger.Error().Err(err).Str("digest", row.LayerDigest).Msg("ttl sweep failed to remove layer")
			}
		}
	}

	return nil
}

// Start runs the periodic TTL sweep on an interval-TTL ticker until
// Stop is called.
func (m *Manager) Start() {
	interval := m.cfg.TTL
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.sweep(); err != nil {
					m.logger.Error().Err(err).Msg("periodic ttl sweep failed")
				}
			}
		}
	}()
}

// Stop halts the periodic sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Counts tallies current layer rows by state (e.g. "active", "cached")
// for periodic metrics collection (pkg/metrics.Source).
func (m *Manager) Counts() map[string]int {
	rows, err := m.storage.GetAllLayers()
	if err != nil {
		return map[string]int{}
	}

	counts := make(map[string]int, 2)
	for _, row := range rows {
		counts[string(row.State)]++
	}

	return counts
}

// RemoveItem deletes the extracted directory and storage row for
// digest; it is the ItemRemover the space allocator calls on eviction,
// and is also used directly by the TTL sweep.
func (m *Manager) RemoveItem(digestStr string) error {
	row, err := m.storage.GetLayer(digestStr)
	if err == nil && row.ExtractedPath != "" {
		if err := os.RemoveAll(row.ExtractedPath); err != nil {
			return aoserrors.Wrap(err)
		}
	}

	return aoserrors.Wrap(m.storage.RemoveLayer(digestStr))
}

// ProcessDesiredLayers reconciles the current row set against desired
// (spec.md §4.2): rows still wanted move to Active, rows no longer
// wanted move to Cached, and anything not yet present is installed on
// a bounded pool. The batch itself never fails; per-layer outcomes are
// reported in the returned slice.
func (m *Manager) ProcessDesiredLayers(desired []LayerInfo) ([]LayerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.storage.GetAllLayers()
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}

	desiredByDigest := make(map[string]LayerInfo, len(desired))
	for _, d := range desired {
		desiredByDigest[d.LayerDigest] = d
	}

	for _, row := range current {
		if _, wanted := desiredByDigest[row.LayerDigest]; wanted {
			if row.State != types.LayerStateActive {
				if err := m.extractSp.RestoreOutdatedItem(row.LayerDigest); err != nil {
					m.logger.Warn().Err(err).Str("digest", row.LayerDigest).Msg("failed to restore layer from outdated set")
				}

				row.State = types.LayerStateActive

				if err := m.storage.UpdateLayer(row); err != nil {
					m.logger.Error().Err(err).Str("digest", row.LayerDigest).Msg("failed to mark layer active")
				}
			}

			delete(desiredByDigest, row.LayerDigest)

			continue
		}

		if row.State != types.LayerStateCached {
			row.State = types.LayerStateCached
			row.Timestamp = time.Now()

			if err := m.storage.UpdateLayer(row); err != nil {
				m.logger.Error().Err(err).Str("digest", row.LayerDigest).Msg("failed to mark layer cached")
				continue
			}

			if err := m.extractSp.AddOutdatedItem(row.LayerDigest, row.Size, row.Timestamp); err != nil {
				m.logger.Warn().Err(err).Str("digest", row.LayerDigest).Msg("failed to register outdated layer")
			}
		}
	}

	remaining := make([]LayerInfo, 0, len(desiredByDigest))
	for _, info := range desiredByDigest {
		remaining = append(remaining, info)
	}

	results := make([]LayerResult, len(remaining))

	group := new(errgroup.Group)
	group.SetLimit(m.cfg.InstallPoolSize)

	for i, info := range remaining {
		i, info := i, info

		group.Go(func() error {
			if err := m.InstallLayer(info); err != nil {
				results[i] = LayerResult{
					LayerDigest: info.LayerDigest,
					Kind:        LayerError,
					ErrorKind:   aoserrors.KindOf(err),
					Message:     err.Error(),
				}

				m.logger.Error().Err(err).Str("digest", info.LayerDigest).Msg("layer install failed")

				return nil
			}

			results[i] = LayerResult{LayerDigest: info.LayerDigest, Kind: LayerInstalled}

			return nil
		})
	}

	_ = group.Wait()

	return results, nil
}

// InstallLayer downloads (unless the URL is already a local file:// path),
// extracts and validates one layer, then persists its row. Any failure
// rolls back both spaces and removes the extracted directory (spec.md
// §4.2, §7 "InvalidChecksum on a layer install is terminal for that
// layer").
func (m *Manager) InstallLayer(info LayerInfo) error {
	alg, hex, ok := strings.Cut(info.LayerDigest, ":")
	if !ok {
		return aoserrors.New(aoserrors.KindInvalidArgument, "malformed layer digest")
	}

	if err := digest.Digest(info.LayerDigest).Validate(); err != nil {
		return aoserrors.WrapWithKind(aoserrors.KindInvalidArgument, err)
	}

	archivePath := info.URL
	var downloadSpace spaceallocator.Space

	if !strings.HasPrefix(info.URL, "file:") {
		archivePath = filepath.Join(m.cfg.DownloadDir, hex)

		space, err := m.downloadSp.AllocateSpace(estimateSize(info))
		if err != nil {
			return err
		}

		downloadSpace = space

		if err := m.download.Download(info.URL, archivePath); err != nil {
			downloadSpace.Release()
			return aoserrors.Wrap(err)
		}
	} else {
		archivePath = strings.TrimPrefix(info.URL, "file://")
	}

	destDir := filepath.Join(m.cfg.LayersDir, alg, hex)

	extractSpace, err := m.extractSp.AllocateSpace(estimateSize(info))
	if err != nil {
		if downloadSpace != nil {
			downloadSpace.Release()
		}

		return err
	}

	rollback := func(cause error) error {
		if downloadSpace != nil {
			downloadSpace.Release()
		}

		extractSpace.Release()
		os.RemoveAll(destDir)

		return cause
	}

	computedDigest, err := m.image.ExtractLayer(archivePath, destDir)
	if err != nil {
		return rollback(aoserrors.Wrap(err))
	}

	if computedDigest != info.LayerDigest {
		return rollback(aoserrors.Errorf(aoserrors.KindInvalidChecksum,
			"layer digest mismatch: want %s got %s", info.LayerDigest, computedDigest))
	}

	size, err := m.loadManifest(destDir)
	if err != nil {
		return rollback(err)
	}

	row := types.LayerData{
		LayerDigest:   info.LayerDigest,
		LayerID:       info.LayerID,
		Version:       info.Version,
		ExtractedPath: destDir,
		OSVersion:     info.OSVersion,
		Size:          size,
		State:         types.LayerStateActive,
		Timestamp:     time.Now(),
	}

	if err := m.storage.AddLayer(row); err != nil {
		return rollback(aoserrors.Wrap(err))
	}

	if err := extractSpace.Accept(); err != nil {
		m.logger.Warn().Err(err).Str("digest", info.LayerDigest).Msg("failed to accept extract space")
	}

	if downloadSpace != nil {
		if err := downloadSpace.Release(); err != nil {
			m.logger.Warn().Err(err).Str("digest", info.LayerDigest).Msg("failed to release download space")
		}
	}

	return nil
}

// loadManifest reads destDir/manifest.json if present and returns the
// on-disk size of the extracted layer; a missing manifest is not an
// error, since not every layer source writes one.
func (m *Manager) loadManifest(destDir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(destDir, manifestFileName))
	if err == nil {
		var manifest specsv1.Manifest
		if jsonErr := json.Unmarshal(data, &manifest); jsonErr != nil {
			return 0, aoserrors.WrapWithKind(aoserrors.KindInvalidArgument, jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return 0, aoserrors.Wrap(err)
	}

	size, err := dirSize(destDir)
	if err != nil {
		return 0, aoserrors.Wrap(err)
	}

	return size, nil
}

// estimateSize is a conservative placeholder reservation made before
// the real extracted size is known; allocators re-measure actual disk
// usage on the first allocation of a burst (spaceallocator.Allocator).
func estimateSize(LayerInfo) uint64 {
	return 0
}

func dirSize(path string) (uint64, error) {
	var size uint64

	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			size += uint64(info.Size())
		}

		return nil
	})

	return size, err
}

// Package config loads the service-manager's Config struct from a YAML
// file, deriving the working sub-directories the rest of the module
// consumes (layersDir, downloadDir, cniDir, runtimeDir) from workDir/
// storageDir/stateDir when left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration consumed by the service-manager
// core, matching spec.md §6: Config{workDir, storageDir, stateDir,
// hostBinds[], hosts[]}, plus the derived paths and tunables the
// individual subsystems need.
type Config struct {
	WorkDir    string   `yaml:"workDir"`
	StorageDir string   `yaml:"storageDir"`
	StateDir   string   `yaml:"stateDir"`
	HostBinds  []string `yaml:"hostBinds,omitempty"`
	Hosts      []string `yaml:"hosts,omitempty"`

	// Derived, settable for overrides but normally computed by
	// applyDerivedDefaults.
	LayersDir       string `yaml:"layersDir,omitempty"`
	DownloadDir     string `yaml:"downloadDir,omitempty"`
	CNIDir          string `yaml:"cniDir,omitempty"`
	RuntimeDir      string `yaml:"runtimeDir,omitempty"`
	ResourceManagerFile string `yaml:"resourceManagerFile,omitempty"`
	DatabasePath    string `yaml:"databasePath,omitempty"`

	// Tunables.
	LayerTTL          time.Duration `yaml:"layerTtl,omitempty"`
	PollPeriod        time.Duration `yaml:"pollPeriod,omitempty"`
	AverageWindow     time.Duration `yaml:"averageWindow,omitempty"`
	ReconcileWorkers  int           `yaml:"reconcileWorkers,omitempty"`
	LayerInstallWorkers int         `yaml:"layerInstallWorkers,omitempty"`
	NodeType          string        `yaml:"nodeType,omitempty"`
	MaxDMIPS          uint64        `yaml:"maxDmips,omitempty"`

	// Space allocator limits, keyed by the allocator's directory
	// (DownloadDir or LayersDir), as a percentage of the total size of
	// the partition holding that directory.
	PartitionLimits map[string]uint64 `yaml:"partitionLimits,omitempty"`
}

// Default returns sensible defaults for the service-manager
// configuration.
func Default() Config {
	return Config{
		WorkDir:             "/var/lib/aos/servicemanager",
		StorageDir:          "/var/lib/aos/servicemanager/storage",
		StateDir:            "/var/lib/aos/servicemanager/state",
		LayerTTL:            24 * time.Hour,
		PollPeriod:          5 * time.Second,
		AverageWindow:       1 * time.Minute,
		ReconcileWorkers:    4,
		LayerInstallWorkers: 4,
		NodeType:            "main",
		MaxDMIPS:            100000,
		PartitionLimits:     map[string]uint64{},
	}
}

// Load reads the service-manager configuration from a YAML file and
// applies defaults for any unset fields.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDerivedDefaults(&cfg)

	return cfg, nil
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.LayersDir == "" {
		cfg.LayersDir = filepath.Join(cfg.StorageDir, "layers")
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(cfg.StorageDir, "download")
	}

	if cfg.CNIDir == "" {
		cfg.CNIDir = filepath.Join(cfg.WorkDir, "cni", "networks")
	}

	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = filepath.Join(cfg.StateDir, "runtime")
	}

	if cfg.ResourceManagerFile == "" {
		cfg.ResourceManagerFile = filepath.Join(cfg.StorageDir, "resources.json")
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.StorageDir, "servicemanager.db")
	}

	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 4
	}

	if cfg.LayerInstallWorkers <= 0 {
		cfg.LayerInstallWorkers = 4
	}
}

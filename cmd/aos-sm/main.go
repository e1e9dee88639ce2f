// Package main wires the service-manager core subsystems
// (spaceallocator, layermanager, networkmanager, resourcemonitor,
// launcher) into a runnable daemon. The CLI itself, the desired-state
// transport and the concrete OCI runtime are out of scope (spec.md
// §1: "only their interfaces matter") -- this binary's job is to
// construct the Config, open storage, bring every subsystem up and
// keep it running until a signal arrives, the way cuemby-warren's
// cmd/warren/main.go boots its manager/worker before waiting on a
// signal channel.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/config"
	"github.com/aosedge/aos-sm/pkg/launcher"
	"github.com/aosedge/aos-sm/pkg/layermanager"
	"github.com/aosedge/aos-sm/pkg/log"
	"github.com/aosedge/aos-sm/pkg/metrics"
	"github.com/aosedge/aos-sm/pkg/networkmanager"
	"github.com/aosedge/aos-sm/pkg/resourcemanager"
	"github.com/aosedge/aos-sm/pkg/resourcemonitor"
	"github.com/aosedge/aos-sm/pkg/runner"
	"github.com/aosedge/aos-sm/pkg/spaceallocator"
	"github.com/aosedge/aos-sm/pkg/storage"
	"github.com/aosedge/aos-sm/pkg/types"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aos-sm",
	Short:   "aos-sm - edge service-manager core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"aos-sm version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring the service-manager core up and reconcile forever",
	Long: `Loads the config file, opens storage, starts the layer
manager, network manager and resource monitor, then serves metrics and
waits for a desired-state-driven reconciliation (delivered externally,
spec.md §1) until an interrupt signal arrives.`,
	RunE: runMain,
}

func init() {
	runCmd.Flags().String("config", "/etc/aos/aos-sm.yaml", "Path to the service-manager config file")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
}

func runMain(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.WithComponent("main")

	for _, dir := range []string{cfg.WorkDir, cfg.StorageDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	layers, err := newLayerManager(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("building layer manager: %w", err)
	}

	if err := layers.Init(); err != nil {
		return fmt.Errorf("initializing layer manager: %w", err)
	}

	layers.Start()
	defer layers.Stop()

	networks := networkmanager.New(networkmanager.Config{
		CNIDir:  cfg.CNIDir,
		WorkDir: cfg.WorkDir,
		Hosts:   cfg.Hosts,
	}, store, logger)

	if err := networks.Start(); err != nil {
		return fmt.Errorf("starting network manager: %w", err)
	}

	alertSender := logAlertSender{logger: log.WithComponent("alerts")}

	monitor := resourcemonitor.New(resourcemonitor.Config{
		PollPeriod:    cfg.PollPeriod,
		AverageWindow: cfg.AverageWindow,
		MaxDMIPS:      cfg.MaxDMIPS,
	}, resourcemonitor.NewHostSampler(partitionMountPoints(cfg), "eth0"), noopInstanceSampler{},
		alertSender, logTelemetrySender{logger: log.WithComponent("telemetry")}, logger)

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	monitor.Start(monitorCtx)
	defer func() {
		cancelMonitor()
		monitor.Stop()
	}()

	rmWatcher := resourcemanager.New(cfg.ResourceManagerFile, monitor, log.WithComponent("resourcemanager"))
	if err := rmWatcher.Start(); err != nil {
		return fmt.Errorf("starting resource-manager watcher: %w", err)
	}
	defer rmWatcher.Stop()

	lnch, err := launcher.New(launcher.Config{
		Workers:          cfg.ReconcileWorkers,
		OperationVersion: Version,
		RuntimeDir:       cfg.RuntimeDir,
	}, launcher.Dependencies{
		Storage:     store,
		Layers:      layers,
		Networks:    networks,
		Runner:      noopRunner{},
		Services:    notSupportedServiceProvider{},
		Permissions: noopPermissionRegistrar{},
		Monitor:     monitor,
		Status:      logStatusSender{logger: log.WithComponent("status")},
	}, logger)
	if err != nil {
		return fmt.Errorf("building launcher: %w", err)
	}
	defer lnch.Close()

	collector := metrics.NewCollector(lnch)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "ready")
	metrics.RegisterComponent("layermanager", true, "ready")
	metrics.RegisterComponent("networkmanager", true, "ready")
	metrics.RegisterComponent("resourcemonitor", true, "ready")
	metrics.RegisterComponent("launcher", true, "ready")

	srv := startMetricsServer(metricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	lnch.OnConnect()

	logger.Info().Str("metricsAddr", metricsAddr).Msg("aos-sm core running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")

	return nil
}

// forwardingRemover resolves the cyclic allocator/remover reference
// (spec.md §9 "Cyclic/back references in space allocator") with a
// forwarding ItemRemover whose target is set once the layermanager.Manager
// it forwards to actually exists -- the space allocators it is handed
// to must be constructed before the Manager, but the Manager is itself
// the remover both allocators call on eviction.
type forwardingRemover struct {
	target spaceallocator.ItemRemover
}

func (r *forwardingRemover) RemoveItem(id string) error {
	if r.target == nil {
		return aoserrors.New(aoserrors.KindFailed, "layer manager not yet initialized")
	}

	return r.target.RemoveItem(id)
}

func newLayerManager(cfg config.Config, store storage.LayerStorage, logger zerolog.Logger) (*layermanager.Manager, error) {
	remover := &forwardingRemover{}

	downloadSp, err := spaceallocator.New(cfg.DownloadDir, partitionLimit(cfg, cfg.DownloadDir), remover)
	if err != nil {
		return nil, fmt.Errorf("creating download space allocator: %w", err)
	}

	extractSp, err := spaceallocator.New(cfg.LayersDir, partitionLimit(cfg, cfg.LayersDir), remover)
	if err != nil {
		return nil, fmt.Errorf("creating extract space allocator: %w", err)
	}

	layers := layermanager.New(layermanager.Config{
		LayersDir:       cfg.LayersDir,
		DownloadDir:     cfg.DownloadDir,
		TTL:             cfg.LayerTTL,
		InstallPoolSize: cfg.LayerInstallWorkers,
	}, store, downloadSp, extractSp, notSupportedImageHandler{}, httpDownloader{}, logger)

	remover.target = layers

	return layers, nil
}

// partitionLimit looks up the configured percentage limit for the
// partition backing dir, defaulting to 80% when unset.
func partitionLimit(cfg config.Config, dir string) uint64 {
	if limit, ok := cfg.PartitionLimits[dir]; ok {
		return limit
	}

	return 80
}

func partitionMountPoints(cfg config.Config) []string {
	return []string{cfg.StorageDir}
}

// startMetricsServer serves Prometheus metrics and health endpoints on
// a background goroutine, mirroring cuemby-warren's metrics-server
// bring-up in cmd/warren/main.go.
func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	return srv
}

// The types below stand in for the external collaborators spec.md §1
// places out of scope (the CLI, IPC transport, identity/permission
// handling and OCI-spec runtime invocation are "only their interfaces
// matter"). They log what they were asked to do and return
// aoserrors.KindNotSupported where a real answer would otherwise be
// required, so the daemon can still boot and reconcile its own
// subsystems without a cloud connection or a runtime attached.

type notSupportedServiceProvider struct{}

func (notSupportedServiceProvider) GetService(serviceID string) (types.ServiceData, error) {
	return types.ServiceData{}, aoserrors.New(aoserrors.KindNotSupported, "service manager not wired: "+serviceID)
}

func (notSupportedServiceProvider) InstallService(types.ServiceData) error {
	return aoserrors.New(aoserrors.KindNotSupported, "service manager not wired")
}

func (notSupportedServiceProvider) CacheService(string) error {
	return aoserrors.New(aoserrors.KindNotSupported, "service manager not wired")
}

type noopPermissionRegistrar struct{}

func (noopPermissionRegistrar) RegisterInstance(types.InstanceIdent, string) (string, error) {
	return "", nil
}

func (noopPermissionRegistrar) UnregisterInstance(string) error { return nil }

type logStatusSender struct {
	logger zerolog.Logger
}

func (s logStatusSender) SendInstancesRunStatus(statuses []types.InstanceStatus) error {
	s.logger.Info().Int("count", len(statuses)).Msg("instances run status (no cloud connection wired)")
	return nil
}

type noopRunner struct{}

func (noopRunner) Start(context.Context, string, string) error {
	return aoserrors.New(aoserrors.KindNotSupported, "container runtime not wired")
}

func (noopRunner) Stop(context.Context, string) error { return nil }

func (noopRunner) Subscribe() <-chan runner.InstanceRunState {
	return make(chan runner.InstanceRunState)
}

type logAlertSender struct {
	logger zerolog.Logger
}

func (s logAlertSender) SendAlert(alert types.AlertTemplate) error {
	s.logger.Warn().Interface("alert", alert).Msg("quota alert")
	return nil
}

type logTelemetrySender struct {
	logger zerolog.Logger
}

func (s logTelemetrySender) SendMonitoringData(node types.MonitoringData, instances map[string]types.MonitoringData) error {
	s.logger.Debug().Int("instances", len(instances)).Uint64("cpuDmips", node.CPUDMIPS).Msg("telemetry")
	return nil
}

type noopInstanceSampler struct{}

func (noopInstanceSampler) SampleInstance(string) (types.MonitoringData, error) {
	return types.MonitoringData{}, nil
}

type notSupportedImageHandler struct{}

func (notSupportedImageHandler) ExtractLayer(string, string) (string, error) {
	return "", aoserrors.New(aoserrors.KindNotSupported, "OCI image handler not wired")
}

// httpDownloader fetches a layer archive over HTTP(S); a plain
// net/http client is exactly the "download a URL to a path" primitive
// layermanager needs and carries no domain-specific behavior worth
// importing a library for.
type httpDownloader struct{}

func (httpDownloader) Download(url, destPath string) error {
	resp, err := http.Get(url) //nolint:gosec,noctx // url is operator-supplied desired-state data
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return aoserrors.New(aoserrors.KindFailed, fmt.Sprintf("downloading %s: status %s", url, resp.Status))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return aoserrors.Wrap(err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return aoserrors.Wrap(err)
	}

	return nil
}

// Package launcher implements the desired-state reconciler at the
// heart of the service-manager core (spec.md §4.1): given a set of
// services, layers and instances, it drives the host to run exactly
// that set, delegating layer installs to layermanager, per-instance
// networking to networkmanager, and container lifecycle to the
// external Runner trait, then reports one InstancesRunStatus per
// cycle. Launcher exclusively owns the current instance set and the
// service snapshots it has applied.
package launcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/layermanager"
	"github.com/aosedge/aos-sm/pkg/metrics"
	"github.com/aosedge/aos-sm/pkg/networkmanager"
	"github.com/aosedge/aos-sm/pkg/ocispec"
	"github.com/aosedge/aos-sm/pkg/runner"
	"github.com/aosedge/aos-sm/pkg/semver"
	"github.com/aosedge/aos-sm/pkg/storage"
	"github.com/aosedge/aos-sm/pkg/types"
)

// ServiceProvider resolves a serviceID to its current snapshot; it is
// the external ServiceManager trait (spec.md §1: "only their
// interfaces matter"). Launcher holds read-only snapshots, never owns
// service rows itself.
type ServiceProvider interface {
	GetService(serviceID string) (types.ServiceData, error)
	InstallService(service types.ServiceData) error
	CacheService(serviceID string) error
}

// PermissionRegistrar registers/unregisters the secret an instance
// uses to authenticate local API calls (spec.md §6 "AOS_SECRET").
type PermissionRegistrar interface {
	RegisterInstance(ident types.InstanceIdent, instanceID string) (secret string, err error)
	UnregisterInstance(instanceID string) error
}

// MonitorSubscriber starts/stops resource monitoring for one instance;
// backed by pkg/resourcemonitor in the full binary, kept as a narrow
// trait here so pkg/launcher does not import pkg/resourcemonitor.
type MonitorSubscriber interface {
	StartInstanceMonitoring(instanceID string, priority uint32) error
	StopInstanceMonitoring(instanceID string) error
}

// StatusSender delivers one InstancesRunStatus report to the cloud
// connection; status emission is deferred while disconnected (spec.md
// §4.1 step 8, §5 "reconciliation thread waits on onConnect").
type StatusSender interface {
	SendInstancesRunStatus(statuses []types.InstanceStatus) error
}

// Config holds the tunables the launcher needs.
type Config struct {
	Workers          int
	OperationVersion string
	RuntimeDir       string
}

// Dependencies bundles the external collaborators and owned subsystems
// the launcher orchestrates.
type Dependencies struct {
	Storage     storage.LauncherStorage
	Layers      *layermanager.Manager
	Networks    *networkmanager.Manager
	Runner      runner.Runner
	Services    ServiceProvider
	Permissions PermissionRegistrar
	Monitor     MonitorSubscriber
	Status      StatusSender
}

// Launcher is the desired-state reconciler. Zero value is not usable;
// construct with New.
type Launcher struct {
	cfg    Config
	deps   Dependencies
	logger zerolog.Logger

	mu          sync.Mutex
	busy        bool
	connected   bool
	pending     []types.InstanceStatus
	hasPending  bool
	current     map[types.InstanceIdent]types.InstanceData
	services    map[string]types.ServiceData
	overrideEnv map[types.InstanceIdent][]string
	devices     *deviceAllocator
	closed      bool
	runState    map[types.InstanceIdent]runOutcome
	appliedEnv  map[types.InstanceIdent]string
}

// runOutcome is the launcher's own record of an instance's last known
// run state; kept separately from the persisted types.InstanceData
// because the run state is transient, runner-reported information, not
// part of the desired-state row storage owns.
type runOutcome struct {
	State types.InstanceRunState
	Error string
}

// New constructs a Launcher and loads the persisted instance set. At
// startup, if storage's recorded operation version does not match
// cfg.OperationVersion, all persisted instance/service state is
// treated as invalid and wiped (spec.md §4.1 "Operation version").
func New(cfg Config, deps Dependencies, logger zerolog.Logger) (*Launcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	l := &Launcher{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With().Str("component", "launcher").Logger(),
		current:     map[types.InstanceIdent]types.InstanceData{},
		services:    map[string]types.ServiceData{},
		overrideEnv: map[types.InstanceIdent][]string{},
		devices:     newDeviceAllocator(),
		runState:    map[types.InstanceIdent]runOutcome{},
		appliedEnv:  map[types.InstanceIdent]string{},
	}

	if err := l.checkOperationVersion(); err != nil {
		return nil, err
	}

	instances, err := deps.Storage.GetAllInstances()
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}

	for _, inst := range instances {
		l.current[inst.InstanceIdent] = inst
	}

	vars, err := deps.Storage.GetOverrideEnvVars()
	if err == nil {
		l.overrideEnv = vars
	}

	return l, nil
}

func (l *Launcher) checkOperationVersion() error {
	stored, err := l.deps.Storage.GetOperationVersion()
	if err != nil {
		stored = ""
	}

	if stored == l.cfg.OperationVersion {
		return nil
	}

	l.logger.Warn().Str("stored", stored).Str("current", l.cfg.OperationVersion).
		Msg("operation version mismatch, wiping persisted instance state")

	instances, err := l.deps.Storage.GetAllInstances()
	if err == nil {
		for _, inst := range instances {
			if err := l.deps.Storage.RemoveInstance(inst.InstanceIdent); err != nil {
				l.logger.Error().Err(err).Msg("failed to wipe stale instance row")
			}
		}
	}

	if err := l.deps.Storage.SetOverrideEnvVars(map[types.InstanceIdent][]string{}); err != nil {
		l.logger.Error().Err(err).Msg("failed to wipe stale override env vars")
	}

	return aoserrors.Wrap(l.deps.Storage.SetOperationVersion(l.cfg.OperationVersion))
}

// OnConnect marks the cloud connection up and flushes any status
// report deferred while disconnected.
func (l *Launcher) OnConnect() {
	l.mu.Lock()
	l.connected = true
	pending := l.pending
	hasPending := l.hasPending
	l.hasPending = false
	l.mu.Unlock()

	if hasPending && l.deps.Status != nil {
		if err := l.deps.Status.SendInstancesRunStatus(pending); err != nil {
			l.logger.Error().Err(err).Msg("failed to send deferred instances run status")
		}
	}

	if err := l.deps.Storage.SetOnlineTime(time.Now()); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist online time")
	}
}

// OnDisconnect marks the cloud connection down; subsequent cycles'
// status reports are held until the next OnConnect.
func (l *Launcher) OnDisconnect() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

// RunInstances validates and enqueues a reconciliation; it returns
// immediately. A second call while a cycle is already running returns
// WrongState without side effects (spec.md §5, §7, §8).
func (l *Launcher) RunInstances(
	services []types.ServiceData,
	layers []layermanager.LayerInfo,
	instances []types.InstanceInfo,
	forceRestart bool,
) error {
	seen := make(map[types.InstanceIdent]bool, len(instances))
	for _, inst := range instances {
		if seen[inst.InstanceIdent] {
			return aoserrors.New(aoserrors.KindInvalidArgument, "duplicate instance ident in desired state")
		}

		seen[inst.InstanceIdent] = true
	}

	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return aoserrors.New(aoserrors.KindWrongState, "reconciliation already in progress")
	}

	l.busy = true
	l.mu.Unlock()

	go l.runCycle(services, layers, instances, forceRestart)

	return nil
}

// OverrideEnvVars replaces the override-env table; affected instances
// restart on the next cycle because the per-instance envChanged check
// folds into the toStop computation.
func (l *Launcher) OverrideEnvVars(vars map[types.InstanceIdent][]string) (map[types.InstanceIdent]string, error) {
	l.mu.Lock()
	l.overrideEnv = vars
	l.mu.Unlock()

	status := make(map[types.InstanceIdent]string, len(vars))
	for ident := range vars {
		status[ident] = "ok"
	}

	return status, aoserrors.Wrap(l.deps.Storage.SetOverrideEnvVars(vars))
}

// UpdateRunStatus is the sink for asynchronous runner callbacks; it
// updates the in-memory state of one instance outside of a
// reconciliation cycle (e.g. a runtime crash reported later).
func (l *Launcher) UpdateRunStatus(update runner.InstanceRunState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ident, inst := range l.current {
		if inst.InstanceID != update.InstanceID {
			continue
		}

		l.runState[ident] = runOutcome{State: update.State, Error: update.Error}

		l.logger.Info().Str("instanceId", update.InstanceID).Str("state", string(update.State)).
			Msg("runner reported instance state change")

		return
	}
}

// InstanceCounts tallies current instances by run state for periodic
// metrics collection (pkg/metrics.Source).
func (l *Launcher) InstanceCounts() metrics.InstanceCounts {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(metrics.InstanceCounts, 2)

	for ident := range l.current {
		outcome, ok := l.runState[ident]
		if !ok {
			outcome = runOutcome{State: types.InstanceRunStateActive}
		}

		counts[string(outcome.State)]++
	}

	return counts
}

// LayerCounts delegates to the layer manager, or reports empty counts
// if the launcher was built without one.
func (l *Launcher) LayerCounts() metrics.LayerCounts {
	if l.deps.Layers == nil {
		return metrics.LayerCounts{}
	}

	return l.deps.Layers.Counts()
}

// NetworkInstanceCount delegates to the network manager, or reports
// zero if the launcher was built without one.
func (l *Launcher) NetworkInstanceCount() int {
	if l.deps.Networks == nil {
		return 0
	}

	return l.deps.Networks.InstanceCount()
}

// Close waits for any in-flight cycle to finish. There is no
// cancellation for an in-flight cycle (spec.md §5); Close simply polls
// until busy clears.
func (l *Launcher) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	for {
		l.mu.Lock()
		busy := l.busy
		l.mu.Unlock()

		if !busy {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// runCycle is the body of one reconciliation (spec.md §4.1 steps 1-8).
// It always clears l.busy on return, even on error, so the next
// RunInstances call can be accepted.
func (l *Launcher) runCycle(
	desiredServices []types.ServiceData,
	desiredLayers []layermanager.LayerInfo,
	desiredInstances []types.InstanceInfo,
	forceRestart bool,
) {
	timer := metrics.NewTimer()

	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()

		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
	}()

	ctx := context.Background()

	// Step 1: install layers and services for the new desired set.
	if l.deps.Layers != nil {
		if _, err := l.deps.Layers.ProcessDesiredLayers(desiredLayers); err != nil {
			l.logger.Error().Err(err).Msg("process desired layers failed")
		}
	}

	desiredServiceByID := make(map[string]types.ServiceData, len(desiredServices))

	for _, svc := range desiredServices {
		desiredServiceByID[svc.ServiceID] = svc

		if l.deps.Services != nil {
			if err := l.deps.Services.InstallService(svc); err != nil {
				l.logger.Error().Err(err).Str("serviceId", svc.ServiceID).Msg("install service failed")
			}
		}
	}

	l.mu.Lock()
	previousServices := l.services
	overrideEnv := l.overrideEnv
	l.mu.Unlock()

	// Cache services no longer referenced by the new desired set rather
	// than delete them outright (spec.md §4.1 step 1): the last
	// instance referencing them will trigger real removal.
	for id, svc := range previousServices {
		if _, stillDesired := desiredServiceByID[id]; !stillDesired {
			if l.deps.Services != nil {
				if err := l.deps.Services.CacheService(id); err != nil {
					l.logger.Error().Err(err).Str("serviceId", id).Msg("cache stale service failed")
				}
			}
		}
	}

	// Step 2-3: compute toStop / toStart.
	desiredByIdent := make(map[types.InstanceIdent]types.InstanceInfo, len(desiredInstances))
	for _, inst := range desiredInstances {
		desiredByIdent[inst.InstanceIdent] = inst
	}

	l.mu.Lock()
	current := make(map[types.InstanceIdent]types.InstanceData, len(l.current))
	for k, v := range l.current {
		current[k] = v
	}
	l.mu.Unlock()

	toStop := make([]types.InstanceData, 0)
	remaining := make(map[types.InstanceIdent]types.InstanceData, len(current))

	for ident, inst := range current {
		desired, stillDesired := desiredByIdent[ident]

		versionChanged := false
		if stillDesired {
			if prevSvc, ok := previousServices[ident.ServiceID]; ok {
				if newSvc, ok := desiredServiceByID[ident.ServiceID]; ok {
					versionChanged = !semver.Equal(prevSvc.Version, newSvc.Version)
				}
			}
		}

		envChanged := joinEnv(overrideEnv[ident]) != l.appliedEnv[ident]

		if forceRestart || !stillDesired || versionChanged || envChanged {
			toStop = append(toStop, inst)
			continue
		}

		remaining[ident] = inst
		_ = desired
	}

	toStart := make([]types.InstanceInfo, 0)

	for _, inst := range desiredInstances {
		if _, ok := remaining[inst.InstanceIdent]; !ok {
			toStart = append(toStart, inst)
		}
	}

	// Step 4: stop toStop concurrently, all stops before any start.
	l.stopAll(ctx, toStop)

	// A restarted ident (force_restart, version change, env change) is
	// stopped and started within this same cycle; capture its
	// instanceID before dropping the current-state row so startOne can
	// reuse it instead of minting a new one (spec.md §3 "instanceID is
	// assigned once, then persisted; it survives restarts").
	restartedIDs := make(map[types.InstanceIdent]string, len(toStop))
	for _, inst := range toStop {
		restartedIDs[inst.InstanceIdent] = inst.InstanceID
	}

	l.mu.Lock()
	for _, inst := range toStop {
		delete(l.current, inst.InstanceIdent)
		delete(l.runState, inst.InstanceIdent)
		delete(l.appliedEnv, inst.InstanceIdent)
	}
	l.mu.Unlock()

	// Step 5: refresh service snapshots for remaining+new instances.
	neededServices := map[string]bool{}
	for ident := range remaining {
		neededServices[ident.ServiceID] = true
	}

	for _, inst := range toStart {
		neededServices[inst.ServiceID] = true
	}

	refreshedServices := map[string]types.ServiceData{}

	for id := range neededServices {
		if svc, ok := desiredServiceByID[id]; ok {
			refreshedServices[id] = svc
			continue
		}

		if l.deps.Services != nil {
			if svc, err := l.deps.Services.GetService(id); err == nil {
				refreshedServices[id] = svc
			}
		}
	}

	l.mu.Lock()
	l.services = refreshedServices
	l.mu.Unlock()

	// Step 6: start toStart concurrently.
	started, outcomes := l.startAll(ctx, toStart, refreshedServices, overrideEnv, restartedIDs)

	l.mu.Lock()
	for _, inst := range started {
		l.current[inst.InstanceIdent] = inst
	}

	for ident, outcome := range outcomes {
		l.runState[ident] = outcome
	}

	for _, inst := range started {
		l.appliedEnv[inst.InstanceIdent] = joinEnv(overrideEnv[inst.InstanceIdent])
	}
	l.mu.Unlock()

	// Step 7: persist.
	if err := l.persist(toStop, started); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist instance set")
	}

	// Step 8: emit status once connected.
	l.emitStatus(refreshedServices)
}

// joinEnv gives a comparable fingerprint of an override-env slice so
// toStop can detect a changed override table without caring about
// slice identity.
func joinEnv(vars []string) string {
	return strings.Join(vars, "\x00")
}

func (l *Launcher) persist(stopped []types.InstanceData, started []types.InstanceData) error {
	var firstErr error

	for _, inst := range stopped {
		if err := l.deps.Storage.RemoveInstance(inst.InstanceIdent); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, inst := range started {
		if err := l.deps.Storage.AddInstance(inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return aoserrors.Wrap(firstErr)
}

func (l *Launcher) emitStatus(services map[string]types.ServiceData) {
	l.mu.Lock()
	statuses := make([]types.InstanceStatus, 0, len(l.current))

	for ident := range l.current {
		version := ""
		if svc, ok := services[ident.ServiceID]; ok {
			version = svc.Version
		}

		outcome, ok := l.runState[ident]
		if !ok {
			outcome = runOutcome{State: types.InstanceRunStateActive}
		}

		statuses = append(statuses, types.InstanceStatus{
			InstanceIdent:  ident,
			ServiceVersion: version,
			RunState:       outcome.State,
			ErrorMessage:   outcome.Error,
		})
	}

	connected := l.connected
	l.mu.Unlock()

	if !connected {
		l.mu.Lock()
		l.pending = statuses
		l.hasPending = true
		l.mu.Unlock()

		return
	}

	if l.deps.Status == nil {
		return
	}

	if err := l.deps.Status.SendInstancesRunStatus(statuses); err != nil {
		l.logger.Error().Err(err).Msg("failed to send instances run status")
	}
}

// stopAll runs the per-instance stop sequence concurrently on a
// bounded pool; a failure in one step is logged but later steps still
// run, and a failing instance never blocks the rest of the batch
// (spec.md §4.1 step 4).
func (l *Launcher) stopAll(ctx context.Context, instances []types.InstanceData) {
	group := new(errgroup.Group)
	group.SetLimit(l.cfg.Workers)

	for _, inst := range instances {
		inst := inst

		group.Go(func() error {
			l.stopOne(ctx, inst)
			return nil
		})
	}

	_ = group.Wait()
}

func (l *Launcher) stopOne(ctx context.Context, inst types.InstanceData) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceStopDuration)

	logger := l.logger.With().Str("instanceId", inst.InstanceID).Logger()

	if l.deps.Runner != nil {
		if err := l.deps.Runner.Stop(ctx, inst.InstanceID); err != nil {
			logger.Error().Err(err).Msg("runner stop failed")
		}
	}

	if l.deps.Monitor != nil {
		if err := l.deps.Monitor.StopInstanceMonitoring(inst.InstanceID); err != nil {
			logger.Error().Err(err).Msg("stop monitoring failed")
		}
	}

	if l.deps.Permissions != nil {
		if err := l.deps.Permissions.UnregisterInstance(inst.InstanceID); err != nil {
			logger.Error().Err(err).Msg("unregister permissions failed")
		}
	}

	if l.deps.Networks != nil && inst.NetworkParameters.NetworkID != "" {
		if err := l.deps.Networks.RemoveInstanceFromNetwork(ctx, inst.InstanceID, inst.NetworkParameters.NetworkID); err != nil {
			logger.Error().Err(err).Msg("remove from network failed")
		}
	}

	l.devices.release(inst.InstanceIdent)

	if err := ocispec.Remove(l.cfg.RuntimeDir, inst.InstanceID); err != nil {
		logger.Error().Err(err).Msg("remove runtime dir failed")
	}
}

// startAll starts toStart concurrently; each instance either becomes
// Active or Failed(reason), and a per-instance failure never stops
// other starts (spec.md §4.1 step 6).
func (l *Launcher) startAll(
	ctx context.Context,
	instances []types.InstanceInfo,
	services map[string]types.ServiceData,
	overrideEnv map[types.InstanceIdent][]string,
	restartedIDs map[types.InstanceIdent]string,
) ([]types.InstanceData, map[types.InstanceIdent]runOutcome) {
	results := make([]types.InstanceData, len(instances))
	outcomes := make([]runOutcome, len(instances))

	group := new(errgroup.Group)
	group.SetLimit(l.cfg.Workers)

	for i, inst := range instances {
		i, inst := i, inst

		group.Go(func() error {
			results[i], outcomes[i] = l.startOne(ctx, inst, services[inst.ServiceID], overrideEnv[inst.InstanceIdent],
				restartedIDs[inst.InstanceIdent])
			return nil
		})
	}

	_ = group.Wait()

	byIdent := make(map[types.InstanceIdent]runOutcome, len(instances))
	for i, inst := range instances {
		byIdent[inst.InstanceIdent] = outcomes[i]
	}

	return results, byIdent
}

func (l *Launcher) startOne(
	ctx context.Context,
	info types.InstanceInfo,
	service types.ServiceData,
	envVars []string,
	restartedID string,
) (types.InstanceData, runOutcome) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceStartDuration)

	instanceID := l.instanceIDFor(info.InstanceIdent, restartedID)
	logger := l.logger.With().Str("instanceId", instanceID).Logger()

	data := types.InstanceData{InstanceInfo: info, InstanceID: instanceID}

	fail := func(err error) (types.InstanceData, runOutcome) {
		logger.Error().Err(err).Msg("start instance failed")
		return data, runOutcome{State: types.InstanceRunStateFailed, Error: err.Error()}
	}

	if !l.devices.allocate(info.InstanceIdent, service) {
		return fail(aoserrors.New(aoserrors.KindNoMemory, "no devices available"))
	}

	var secret string

	if l.deps.Permissions != nil {
		s, err := l.deps.Permissions.RegisterInstance(info.InstanceIdent, instanceID)
		if err != nil {
			return fail(err)
		}

		secret = s
	}

	if l.deps.Networks != nil && info.NetworkParameters.NetworkID != "" {
		params := networkmanager.AddInstanceToNetworkParams{
			Ident:      info.InstanceIdent,
			IPAddr:     info.NetworkParameters.IP,
			Hostname:   instanceID,
			DNSServers: info.NetworkParameters.DNSServers,
		}

		if err := l.deps.Networks.AddInstanceToNetwork(ctx, instanceID, info.NetworkParameters.NetworkID, params); err != nil {
			if aoserrors.KindOf(err) != aoserrors.KindAlreadyExist {
				return fail(err)
			}
		}
	}

	spec, err := ocispec.Build(ocispec.BuildOptions{
		InstanceID: instanceID,
		Ident:      info.InstanceIdent,
		UID:        info.UID,
		GID:        service.GID,
		EnvVars:    envVars,
		HasSecret:  secret != "",
		Secret:     secret,
	})
	if err != nil {
		return fail(err)
	}

	configPath, err := ocispec.Write(l.cfg.RuntimeDir, instanceID, spec)
	if err != nil {
		return fail(err)
	}

	if l.deps.Monitor != nil {
		if err := l.deps.Monitor.StartInstanceMonitoring(instanceID, info.Priority); err != nil {
			logger.Warn().Err(err).Msg("start monitoring failed")
		}
	}

	if l.deps.Runner != nil {
		if err := l.deps.Runner.Start(ctx, instanceID, configPath); err != nil {
			return fail(err)
		}
	}

	return data, runOutcome{State: types.InstanceRunStateActive}
}

// instanceIDFor returns the stable runtime handle for ident: the
// current-state row's ID if still tracked, the ID it held before this
// cycle's stop if it is being restarted (restartedID, non-empty only
// for an ident present in both this cycle's toStop and toStart), or
// else a fresh one the first time (spec.md §3 "assigned once, then
// persisted; it survives restarts").
func (l *Launcher) instanceIDFor(ident types.InstanceIdent, restartedID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.current[ident]; ok {
		return existing.InstanceID
	}

	if restartedID != "" {
		return restartedID
	}

	return uuid.NewString()
}

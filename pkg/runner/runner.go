// Package runner declares the narrow trait the launcher uses to start
// and stop container runtimes. Runtime invocation (runc/crun/xrun) is
// explicitly out of scope (spec.md §1): only the interface shape
// matters here, the way the teacher's containerd client is one
// concrete implementation behind a much wider surface than this
// module needs.
package runner

import (
	"context"

	"github.com/aosedge/aos-sm/pkg/types"
)

// InstanceRunState is the runtime-observed state of one instance,
// delivered to the launcher via UpdateRunStatus.
type InstanceRunState struct {
	InstanceID string
	State      types.InstanceRunState
	Error      string
}

// Runner starts and stops an instance's container given its assembled
// OCI config.json path; it reports state changes asynchronously
// through the channel returned by Subscribe, not through Start/Stop's
// return value.
type Runner interface {
	// Start launches the container for instanceID using the runtime
	// spec at configPath, returning once the runtime has accepted the
	// request (not once the process is necessarily Active).
	Start(ctx context.Context, instanceID, configPath string) error

	// Stop stops and removes the container for instanceID.
	Stop(ctx context.Context, instanceID string) error

	// Subscribe returns a channel of asynchronous run-state updates for
	// every instance this Runner manages.
	Subscribe() <-chan InstanceRunState
}

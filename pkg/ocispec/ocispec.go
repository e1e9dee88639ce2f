// Package ocispec assembles the OCI runtime config.json for an
// instance: environment variables, bind mounts and the rootfs overlay
// lower-dir ordering spec.md §6 names (mount-points dir, service-fs
// dir, each layer dir in manifest order, host whiteouts dir, and the
// host root). The config.json is handed to the runner trait, not
// executed by this package.
package ocispec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/aosedge/aos-sm/pkg/aoserrors"
	"github.com/aosedge/aos-sm/pkg/types"
)

// RootfsLayout names the directories overlaid to build an instance's
// rootfs, outermost (lowest priority) first, as spec.md §6 describes:
// mount-points dir, service-fs dir, each layer dir in manifest order,
// a host whiteouts dir, then the host root.
type RootfsLayout struct {
	MountPointsDir string
	ServiceFSDir   string
	LayerDirs      []string
	WhiteoutsDir   string
	HostRootDir    string
}

// lowerDirs returns the overlay lowerdir list in overlay mount-option
// order: nearest-the-merged-view first, which is the reverse of the
// spec's outermost-first description.
func (l RootfsLayout) lowerDirs() []string {
	dirs := []string{l.HostRootDir, l.WhiteoutsDir}

	for i := len(l.LayerDirs) - 1; i >= 0; i-- {
		dirs = append(dirs, l.LayerDirs[i])
	}

	dirs = append(dirs, l.ServiceFSDir, l.MountPointsDir)

	nonEmpty := dirs[:0]

	for _, d := range dirs {
		if d != "" {
			nonEmpty = append(nonEmpty, d)
		}
	}

	return nonEmpty
}

// BuildOptions carries everything needed to assemble one instance's
// runtime spec.
type BuildOptions struct {
	InstanceID  string
	Ident       types.InstanceIdent
	UID, GID    int
	RootfsUpper string
	RootfsWork  string
	RootfsMerge string
	Layout      RootfsLayout
	Mounts      []specs.Mount
	EnvVars     []string
	HasSecret   bool
	Secret      string
}

// standardEnv returns the environment variables spec.md §6 requires on
// every instance, in the order named there.
func standardEnv(opts BuildOptions) []string {
	env := []string{
		fmt.Sprintf("AOS_SERVICE_ID=%s", opts.Ident.ServiceID),
		fmt.Sprintf("AOS_SUBJECT_ID=%s", opts.Ident.SubjectID),
		fmt.Sprintf("AOS_INSTANCE_INDEX=%d", opts.Ident.Instance),
		fmt.Sprintf("AOS_INSTANCE_ID=%s", opts.InstanceID),
	}

	if opts.HasSecret {
		env = append(env, fmt.Sprintf("AOS_SECRET=%s", opts.Secret))
	}

	return append(env, opts.EnvVars...)
}

// Build assembles the runtime spec for one instance. The overlay mount
// itself is described declaratively in the returned Spec.Mounts; it is
// not performed here — a caller (the runner trait's backing runtime)
// reads config.json and mounts it.
func Build(opts BuildOptions) (*specs.Spec, error) {
	overlay := specs.Mount{
		Destination: "/",
		Type:        "overlay",
		Source:      "overlay",
		Options: append([]string{
			"lowerdir=" + strings.Join(opts.Layout.lowerDirs(), ":"),
			"upperdir=" + opts.RootfsUpper,
			"workdir=" + opts.RootfsWork,
		}),
	}

	mounts := append([]specs.Mount{overlay}, opts.Mounts...)

	spec := &specs.Spec{
		Version: "1.0.2-dev",
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: uint32(opts.UID), GID: uint32(opts.GID)},
			Env:      standardEnv(opts),
			Cwd:      "/",
		},
		Root: &specs.Root{
			Path:     opts.RootfsMerge,
			Readonly: false,
		},
		Hostname: opts.InstanceID,
		Mounts:   mounts,
	}

	return spec, nil
}

// Write serializes spec as config.json under
// <runtimeDir>/<instanceID>/config.json, following spec.md §6.
func Write(runtimeDir, instanceID string, spec *specs.Spec) (string, error) {
	dir := filepath.Join(runtimeDir, instanceID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", aoserrors.Wrap(err)
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", aoserrors.WrapWithKind(aoserrors.KindFailed, err)
	}

	path := filepath.Join(dir, "config.json")

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", aoserrors.Wrap(err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", aoserrors.Wrap(err)
	}

	return path, nil
}

// Remove deletes the runtime directory for instanceID.
func Remove(runtimeDir, instanceID string) error {
	return aoserrors.Wrap(os.RemoveAll(filepath.Join(runtimeDir, instanceID)))
}

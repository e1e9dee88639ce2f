package ocispec

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/aosedge/aos-sm/pkg/types"
)

func TestLowerDirsOrder(t *testing.T) {
	layout := RootfsLayout{
		MountPointsDir: "/mp",
		ServiceFSDir:   "/svc",
		LayerDirs:      []string{"/layer1", "/layer2"},
		WhiteoutsDir:   "/whiteouts",
		HostRootDir:    "/",
	}

	got := layout.lowerDirs()
	want := []string{"/", "/whiteouts", "/layer2", "/layer1", "/svc", "/mp"}

	if strings.Join(got, ":") != strings.Join(want, ":") {
		t.Fatalf("lowerDirs = %v, want %v", got, want)
	}
}

func TestBuildSetsStandardEnv(t *testing.T) {
	opts := BuildOptions{
		InstanceID: "instance-1",
		Ident:      types.InstanceIdent{ServiceID: "service1", SubjectID: "subject1", Instance: 2},
		HasSecret:  true,
		Secret:     "topsecret",
	}

	spec, err := Build(opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	env := strings.Join(spec.Process.Env, "\n")

	for _, want := range []string{
		"AOS_SERVICE_ID=service1",
		"AOS_SUBJECT_ID=subject1",
		"AOS_INSTANCE_INDEX=2",
		"AOS_INSTANCE_ID=instance-1",
		"AOS_SECRET=topsecret",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("env missing %q, got %q", want, env)
		}
	}
}

func TestWriteProducesConfigJSON(t *testing.T) {
	dir := t.TempDir()

	spec, err := Build(BuildOptions{InstanceID: "inst", Ident: types.InstanceIdent{ServiceID: "s"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	path, err := Write(dir, "inst", spec)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if path != filepath.Join(dir, "inst", "config.json") {
		t.Fatalf("unexpected path: %s", path)
	}
}

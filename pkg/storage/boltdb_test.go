package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aosedge/aos-sm/pkg/types"
)

func openTestStorage(t *testing.T) *BoltStorage {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func TestInstanceCRUD(t *testing.T) {
	db := openTestStorage(t)

	ident := types.InstanceIdent{ServiceID: "service1", SubjectID: "subject1", Instance: 0}
	instance := types.InstanceData{
		InstanceInfo: types.InstanceInfo{InstanceIdent: ident, UID: 1000},
		InstanceID:   "instance-abc",
	}

	if err := db.AddInstance(instance); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}

	all, err := db.GetAllInstances()
	if err != nil {
		t.Fatalf("GetAllInstances: %v", err)
	}

	if len(all) != 1 || all[0].InstanceID != "instance-abc" {
		t.Fatalf("unexpected instances: %+v", all)
	}

	instance.UID = 2000

	if err := db.UpdateInstance(instance); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	all, _ = db.GetAllInstances()
	if all[0].UID != 2000 {
		t.Fatalf("update did not persist, got %+v", all[0])
	}

	if err := db.RemoveInstance(ident); err != nil {
		t.Fatalf("RemoveInstance: %v", err)
	}

	all, _ = db.GetAllInstances()
	if len(all) != 0 {
		t.Fatalf("expected no instances after remove, got %+v", all)
	}
}

func TestLayerCRUD(t *testing.T) {
	db := openTestStorage(t)

	layer := types.LayerData{LayerDigest: "sha256:abc", State: types.LayerStateActive}

	if err := db.AddLayer(layer); err != nil {
		t.Fatalf("AddLayer: %v", err)
	}

	got, err := db.GetLayer("sha256:abc")
	if err != nil {
		t.Fatalf("GetLayer: %v", err)
	}

	if got.State != types.LayerStateActive {
		t.Fatalf("unexpected layer: %+v", got)
	}

	if err := db.RemoveLayer("sha256:abc"); err != nil {
		t.Fatalf("RemoveLayer: %v", err)
	}

	if _, err := db.GetLayer("sha256:abc"); err == nil {
		t.Fatal("expected error getting removed layer")
	}
}

func TestNetworkInfoAndTrafficMonitor(t *testing.T) {
	db := openTestStorage(t)

	info := types.NetworkInfo{NetworkID: "net1", Subnet: "10.0.0.0/24", GatewayIP: "10.0.0.1"}

	if err := db.AddNetworkInfo(info); err != nil {
		t.Fatalf("AddNetworkInfo: %v", err)
	}

	infos, err := db.GetNetworksInfo()
	if err != nil || len(infos) != 1 {
		t.Fatalf("GetNetworksInfo: %+v, %v", infos, err)
	}

	now := time.Now().UTC().Truncate(time.Second)

	if err := db.SetTrafficMonitorData("INSTANCE_x", now, 1024); err != nil {
		t.Fatalf("SetTrafficMonitorData: %v", err)
	}

	gotTime, gotValue, err := db.GetTrafficMonitorData("INSTANCE_x")
	if err != nil {
		t.Fatalf("GetTrafficMonitorData: %v", err)
	}

	if gotValue != 1024 || !gotTime.Equal(now) {
		t.Fatalf("got (%v, %d), want (%v, 1024)", gotTime, gotValue, now)
	}

	if err := db.RemoveNetworkInfo("net1"); err != nil {
		t.Fatalf("RemoveNetworkInfo: %v", err)
	}

	infos, _ = db.GetNetworksInfo()
	if len(infos) != 0 {
		t.Fatalf("expected no networks after remove, got %+v", infos)
	}
}

func TestOperationVersionAndOnlineTime(t *testing.T) {
	db := openTestStorage(t)

	if err := db.SetOperationVersion("1.2.3"); err != nil {
		t.Fatalf("SetOperationVersion: %v", err)
	}

	version, err := db.GetOperationVersion()
	if err != nil || version != "1.2.3" {
		t.Fatalf("GetOperationVersion: %q, %v", version, err)
	}

	now := time.Now().UTC().Truncate(time.Second)

	if err := db.SetOnlineTime(now); err != nil {
		t.Fatalf("SetOnlineTime: %v", err)
	}

	got, err := db.GetOnlineTime()
	if err != nil || !got.Equal(now) {
		t.Fatalf("GetOnlineTime: %v, %v", got, err)
	}
}

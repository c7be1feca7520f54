package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jbweber/sma/internal/backend"
	"github.com/jbweber/sma/internal/backend/backendtest"
)

func TestAPI_SubsystemLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	api := backend.NewAPI(fake)

	s, err := api.GetSubsystem(ctx, "nqn.test:1")
	if err != nil {
		t.Fatalf("GetSubsystem() error = %v", err)
	}
	if s != nil {
		t.Fatalf("GetSubsystem() = %+v, want nil", s)
	}

	if err := api.CreateSubsystem(ctx, "nqn.test:1", true); err != nil {
		t.Fatalf("CreateSubsystem() error = %v", err)
	}
	addr := backend.Address{"trtype": "tcp", "adrfam": "ipv4", "traddr": "1.1.1.1", "trsvcid": "4420"}
	if err := api.AddListener(ctx, "nqn.test:1", addr); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	if err := api.AddHost(ctx, "nqn.test:1", "nqn.host:1"); err != nil {
		t.Fatalf("AddHost() error = %v", err)
	}

	s, err = api.GetSubsystem(ctx, "nqn.test:1")
	if err != nil || s == nil {
		t.Fatalf("GetSubsystem() = %v, %v", s, err)
	}
	if !addr.MatchesAny(s.ListenAddresses) {
		t.Errorf("listener %v not found in %v", addr, s.ListenAddresses)
	}
	if !s.AllowAnyHost {
		t.Error("AllowAnyHost = false, want true")
	}
	if !s.HasHost("nqn.host:1") {
		t.Error("host nqn.host:1 not found")
	}

	if err := api.DeleteSubsystem(ctx, "nqn.test:1"); err != nil {
		t.Fatalf("DeleteSubsystem() error = %v", err)
	}
	if err := api.DeleteSubsystem(ctx, "nqn.test:1"); err == nil {
		t.Error("DeleteSubsystem() of missing subsystem should fail")
	}
}

func TestAPI_Namespaces(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	fake.AddBdev("malloc0", "11111111-2222-3333-4444-555555555555")
	api := backend.NewAPI(fake)

	if err := api.CreateSubsystem(ctx, "nqn.test:1", true); err != nil {
		t.Fatalf("CreateSubsystem() error = %v", err)
	}

	bdev, err := api.FindBdev(ctx, "11111111-2222-3333-4444-555555555555")
	if err != nil || bdev == nil {
		t.Fatalf("FindBdev() = %v, %v", bdev, err)
	}
	if bdev.Name != "malloc0" {
		t.Errorf("bdev name = %q, want malloc0", bdev.Name)
	}

	missing, err := api.FindBdev(ctx, "00000000-0000-0000-0000-000000000000")
	if err != nil || missing != nil {
		t.Errorf("FindBdev(missing) = %v, %v, want nil, nil", missing, err)
	}

	nsid, err := api.AddNamespace(ctx, "nqn.test:1", bdev.Name)
	if err != nil {
		t.Fatalf("AddNamespace() error = %v", err)
	}
	if nsid != 1 {
		t.Errorf("nsid = %d, want 1", nsid)
	}

	s, _ := api.GetSubsystem(ctx, "nqn.test:1")
	ns, ok := s.NamespaceForBdev("malloc0")
	if !ok || ns.NSID != 1 {
		t.Fatalf("NamespaceForBdev() = %+v, %v", ns, ok)
	}

	if err := api.RemoveNamespace(ctx, "nqn.test:1", ns.NSID); err != nil {
		t.Fatalf("RemoveNamespace() error = %v", err)
	}
	s, _ = api.GetSubsystem(ctx, "nqn.test:1")
	if _, ok := s.NamespaceForBdev("malloc0"); ok {
		t.Error("namespace still present after RemoveNamespace")
	}
}

func TestAPI_Controllers(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	remote := backend.Address{"trtype": "tcp", "traddr": "10.0.0.1", "trsvcid": "4420", "subnqn": "nqn.remote:1"}
	fake.AddRemote(remote, "vol-a", "vol-b")
	api := backend.NewAPI(fake)

	addr := remote.With("adrfam", "ipv4")
	names, err := api.AttachController(ctx, "ctrl0", addr)
	if err != nil {
		t.Fatalf("AttachController() error = %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("bdev names = %v, want 2 entries", names)
	}

	controllers, err := api.GetControllers(ctx)
	if err != nil {
		t.Fatalf("GetControllers() error = %v", err)
	}
	if len(controllers) != 1 || controllers[0].Name != "ctrl0" {
		t.Fatalf("controllers = %+v", controllers)
	}
	if !remote.MatchesAny(controllers[0].Paths()) {
		t.Errorf("controller paths %v do not match %v", controllers[0].Paths(), remote)
	}

	bdevs, err := api.GetBdevs(ctx)
	if err != nil {
		t.Fatalf("GetBdevs() error = %v", err)
	}
	found := false
	for _, b := range bdevs {
		if b.UUID == "vol-b" && remote.MatchesAny(b.NVMePaths()) {
			found = true
		}
	}
	if !found {
		t.Error("vol-b not reachable through the attached controller")
	}

	if err := api.DetachController(ctx, "ctrl0"); err != nil {
		t.Fatalf("DetachController() error = %v", err)
	}
	if _, err := api.AttachController(ctx, "ctrl1", backend.Address{"trtype": "tcp", "traddr": "10.9.9.9"}); err == nil {
		t.Error("AttachController() to an unknown target should fail")
	}
}

func TestAPI_Transports(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	api := backend.NewAPI(fake)

	ok, err := api.HasTransport(ctx, "tcp")
	if err != nil || ok {
		t.Fatalf("HasTransport() = %v, %v, want false, nil", ok, err)
	}
	if err := api.CreateTransport(ctx, "tcp", map[string]any{"io_unit_size": 8192}); err != nil {
		t.Fatalf("CreateTransport() error = %v", err)
	}
	ok, err = api.HasTransport(ctx, "TCP")
	if err != nil || !ok {
		t.Fatalf("HasTransport() = %v, %v, want true, nil", ok, err)
	}
}

func TestWaitForListen(t *testing.T) {
	fake := backendtest.New()
	api := backend.NewAPI(fake)

	if err := backend.WaitForListen(context.Background(), api, time.Second, 10*time.Millisecond, nil); err != nil {
		t.Fatalf("WaitForListen() error = %v", err)
	}

	fake.FailOn("rpc_get_methods", errors.New("connection refused"))
	err := backend.WaitForListen(context.Background(), api, 50*time.Millisecond, 10*time.Millisecond, nil)
	if err == nil {
		t.Fatal("WaitForListen() should time out")
	}
	if fake.CallCount("rpc_get_methods") < 3 {
		t.Errorf("rpc_get_methods called %d times, want several polls", fake.CallCount("rpc_get_methods"))
	}
}

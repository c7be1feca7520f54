package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jbweber/sma/api/v1alpha1"
)

type mockService struct {
	mu sync.Mutex

	createDeviceFunc     func(*v1alpha1.CreateDeviceRequest) (*v1alpha1.CreateDeviceResponse, error)
	disconnectVolumeFunc func(*v1alpha1.DisconnectVolumeRequest) (*v1alpha1.DisconnectVolumeResponse, error)

	createCalls []*v1alpha1.CreateDeviceRequest
	calls       []string
}

func (m *mockService) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

func (m *mockService) CreateDevice(_ context.Context, req *v1alpha1.CreateDeviceRequest) (*v1alpha1.CreateDeviceResponse, error) {
	m.record(v1alpha1.MethodCreateDevice)
	m.mu.Lock()
	m.createCalls = append(m.createCalls, req)
	m.mu.Unlock()
	if m.createDeviceFunc != nil {
		return m.createDeviceFunc(req)
	}
	return &v1alpha1.CreateDeviceResponse{ID: "nvmf-tcp:" + req.Type}, nil
}

func (m *mockService) RemoveDevice(context.Context, *v1alpha1.RemoveDeviceRequest) (*v1alpha1.RemoveDeviceResponse, error) {
	m.record(v1alpha1.MethodRemoveDevice)
	return &v1alpha1.RemoveDeviceResponse{}, nil
}

func (m *mockService) AttachVolume(context.Context, *v1alpha1.AttachVolumeRequest) (*v1alpha1.AttachVolumeResponse, error) {
	m.record(v1alpha1.MethodAttachVolume)
	return &v1alpha1.AttachVolumeResponse{}, nil
}

func (m *mockService) DetachVolume(context.Context, *v1alpha1.DetachVolumeRequest) (*v1alpha1.DetachVolumeResponse, error) {
	m.record(v1alpha1.MethodDetachVolume)
	return &v1alpha1.DetachVolumeResponse{}, nil
}

func (m *mockService) ConnectVolume(context.Context, *v1alpha1.ConnectVolumeRequest) (*v1alpha1.ConnectVolumeResponse, error) {
	m.record(v1alpha1.MethodConnectVolume)
	return &v1alpha1.ConnectVolumeResponse{}, nil
}

func (m *mockService) DisconnectVolume(_ context.Context, req *v1alpha1.DisconnectVolumeRequest) (*v1alpha1.DisconnectVolumeResponse, error) {
	m.record(v1alpha1.MethodDisconnectVolume)
	if m.disconnectVolumeFunc != nil {
		return m.disconnectVolumeFunc(req)
	}
	return &v1alpha1.DisconnectVolumeResponse{}, nil
}

type observation struct {
	method string
	code   string
}

type mockObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (m *mockObserver) Observe(method, code string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, observation{method, code})
}

func (m *mockObserver) observations() []observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]observation(nil), m.obs...)
}

// startBufconn serves svc over an in-memory listener and returns a client.
func startBufconn(t *testing.T, svc Service, obs Observer) *Client {
	t.Helper()

	srv, err := NewServer(Config{}, svc, obs, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { srv.Stop(context.Background(), time.Second) })

	client, err := NewClient("passthrough:///bufnet", TLSConfig{},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct() error = %v", err)
	}
	return s
}

func TestServer_RoundTrip(t *testing.T) {
	svc := &mockService{}
	obs := &mockObserver{}
	client := startBufconn(t, svc, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.Call(ctx, v1alpha1.MethodCreateDevice, mustStruct(t, map[string]any{
		"type":   "nvmf_tcp",
		"params": map[string]any{"subnqn": "nqn.2016-06.io.spdk:cnode0"},
	}))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got := out.GetFields()["id"].GetStringValue(); got != "nvmf-tcp:nvmf_tcp" {
		t.Errorf("id = %q, want nvmf-tcp:nvmf_tcp", got)
	}

	if len(svc.createCalls) != 1 {
		t.Fatalf("CreateDevice called %d times, want 1", len(svc.createCalls))
	}
	req := svc.createCalls[0]
	if req.Type != "nvmf_tcp" {
		t.Errorf("Type = %q, want nvmf_tcp", req.Type)
	}
	if req.Params["subnqn"] != "nqn.2016-06.io.spdk:cnode0" {
		t.Errorf("Params = %v", req.Params)
	}

	got := obs.observations()
	if len(got) != 1 || got[0] != (observation{"CreateDevice", "OK"}) {
		t.Errorf("observations = %v, want [{CreateDevice OK}]", got)
	}
}

func TestServer_AllMethods(t *testing.T) {
	svc := &mockService{}
	client := startBufconn(t, svc, nil)

	params := map[string]map[string]any{
		v1alpha1.MethodCreateDevice:     {"type": "nvmf_tcp"},
		v1alpha1.MethodRemoveDevice:     {"id": "nvmf-tcp:x"},
		v1alpha1.MethodAttachVolume:     {"device_id": "nvmf-tcp:x", "volume_id": "v"},
		v1alpha1.MethodDetachVolume:     {"device_id": "nvmf-tcp:x", "volume_id": "v"},
		v1alpha1.MethodConnectVolume:    {"type": "nvmf_tcp", "volume_id": "v"},
		v1alpha1.MethodDisconnectVolume: {"volume_id": "v"},
	}
	for _, method := range v1alpha1.Methods {
		t.Run(method, func(t *testing.T) {
			if _, err := client.Call(context.Background(), method, mustStruct(t, params[method])); err != nil {
				t.Errorf("Call(%s) error = %v", method, err)
			}
		})
	}
	if len(svc.calls) != len(v1alpha1.Methods) {
		t.Errorf("service saw %v", svc.calls)
	}
}

func TestServer_UnknownFieldRejected(t *testing.T) {
	svc := &mockService{}
	client := startBufconn(t, svc, nil)

	_, err := client.Call(context.Background(), v1alpha1.MethodRemoveDevice,
		mustStruct(t, map[string]any{"id": "x", "bogus": true}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument (err = %v)", status.Code(err), err)
	}
	if len(svc.calls) != 0 {
		t.Errorf("service called with invalid request: %v", svc.calls)
	}
}

func TestServer_ErrorPropagation(t *testing.T) {
	svc := &mockService{
		disconnectVolumeFunc: func(*v1alpha1.DisconnectVolumeRequest) (*v1alpha1.DisconnectVolumeResponse, error) {
			return nil, status.Error(codes.NotFound, "invalid volume id")
		},
	}
	obs := &mockObserver{}
	client := startBufconn(t, svc, obs)

	_, err := client.Call(context.Background(), v1alpha1.MethodDisconnectVolume,
		mustStruct(t, map[string]any{"volume_id": "v"}))
	st := status.Convert(err)
	if st.Code() != codes.NotFound || st.Message() != "invalid volume id" {
		t.Errorf("status = %v %q, want NotFound \"invalid volume id\"", st.Code(), st.Message())
	}

	got := obs.observations()
	if len(got) != 1 || got[0] != (observation{"DisconnectVolume", "NotFound"}) {
		t.Errorf("observations = %v", got)
	}
}

func TestClient_UnknownMethod(t *testing.T) {
	client := startBufconn(t, &mockService{}, nil)
	if _, err := client.Call(context.Background(), "ListDevices", nil); err == nil {
		t.Error("Call() with unknown method error = nil")
	}
}

func TestServer_StartStop(t *testing.T) {
	srv, err := NewServer(Config{Address: "127.0.0.1", Port: 0}, &mockService{}, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := srv.Start(); err == nil {
		t.Error("second Start() error = nil")
	}

	client, err := NewClient(addr, TLSConfig{})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Call(ctx, v1alpha1.MethodRemoveDevice, mustStruct(t, map[string]any{"id": "x"})); err != nil {
		t.Errorf("Call() error = %v", err)
	}

	srv.Stop(context.Background(), time.Second)
}

func TestMethodName(t *testing.T) {
	tests := map[string]string{
		"/sma.v1alpha1.StorageManagementAgent/CreateDevice": "CreateDevice",
		"CreateDevice": "CreateDevice",
	}
	for in, want := range tests {
		if got := methodName(in); got != want {
			t.Errorf("methodName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTLSConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TLSConfig
		enabled bool
		wantErr bool
	}{
		{"plaintext", TLSConfig{}, false, false},
		{"key without chain", TLSConfig{PrivKey: "k.pem"}, true, true},
		{"chain without key", TLSConfig{CertChain: "c.pem"}, true, true},
		{"root without pair", TLSConfig{RootCert: "ca.pem"}, false, true},
		{"missing files", TLSConfig{PrivKey: "/nonexistent/k", CertChain: "/nonexistent/c"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", got, tt.enabled)
			}
			_, err := tt.cfg.ServerCredentials()
			if (err != nil) != tt.wantErr {
				t.Errorf("ServerCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

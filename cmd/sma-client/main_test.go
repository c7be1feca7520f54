package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jbweber/sma/api/v1alpha1"
	"github.com/jbweber/sma/internal/agent"
	"github.com/jbweber/sma/internal/fault"
	"github.com/jbweber/sma/internal/rpc"
)

// stubService answers CreateDevice and fails every volume call with
// NotFound.
type stubService struct{}

func (stubService) CreateDevice(_ context.Context, req *v1alpha1.CreateDeviceRequest) (*v1alpha1.CreateDeviceResponse, error) {
	return &v1alpha1.CreateDeviceResponse{ID: "tcp:" + req.Params["subnqn"].(string)}, nil
}

func (stubService) RemoveDevice(context.Context, *v1alpha1.RemoveDeviceRequest) (*v1alpha1.RemoveDeviceResponse, error) {
	return &v1alpha1.RemoveDeviceResponse{}, nil
}

func (stubService) AttachVolume(context.Context, *v1alpha1.AttachVolumeRequest) (*v1alpha1.AttachVolumeResponse, error) {
	return nil, agent.Status(fault.NotFoundf("AttachVolume", "invalid volume id"))
}

func (stubService) DetachVolume(context.Context, *v1alpha1.DetachVolumeRequest) (*v1alpha1.DetachVolumeResponse, error) {
	return &v1alpha1.DetachVolumeResponse{}, nil
}

func (stubService) ConnectVolume(context.Context, *v1alpha1.ConnectVolumeRequest) (*v1alpha1.ConnectVolumeResponse, error) {
	return &v1alpha1.ConnectVolumeResponse{}, nil
}

func (stubService) DisconnectVolume(context.Context, *v1alpha1.DisconnectVolumeRequest) (*v1alpha1.DisconnectVolumeResponse, error) {
	return &v1alpha1.DisconnectVolumeResponse{}, nil
}

func startAgent(t *testing.T) options {
	t.Helper()
	srv, err := rpc.NewServer(rpc.Config{Address: "127.0.0.1"}, stubService{}, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background(), time.Second) })

	host, port, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(port)
	return options{address: host, port: p, timeout: 5 * time.Second, format: "json"}
}

func TestRun(t *testing.T) {
	o := startAgent(t)

	var out bytes.Buffer
	in := strings.NewReader(`{"method": "CreateDevice", "params": {"type": "nvmf_tcp", "params": {"subnqn": "nqn.2016-06.io.spdk:cnode0"}}}`)
	if err := run(context.Background(), o, in, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), `"id": "tcp:nqn.2016-06.io.spdk:cnode0"`) {
		t.Errorf("output = %s", out.String())
	}
}

func TestRun_CallError(t *testing.T) {
	o := startAgent(t)
	o.format = "yaml"

	var out bytes.Buffer
	in := strings.NewReader(`{"method": "AttachVolume", "params": {"device_id": "tcp:x", "volume_id": "v"}}`)
	err := run(context.Background(), o, in, &out)
	if !errors.Is(err, errCallFailed) {
		t.Fatalf("run() error = %v, want errCallFailed", err)
	}
	for _, want := range []string{"code: NotFound", "reason: NOT_FOUND"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRun_BadInput(t *testing.T) {
	o := options{address: "127.0.0.1", port: 1, timeout: time.Second, format: "json"}
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `CreateDevice`},
		{"missing method", `{"params": {}}`},
		{"params not an object", `{"method": "RemoveDevice", "params": [1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(context.Background(), o, strings.NewReader(tt.input), &bytes.Buffer{}); err == nil {
				t.Error("run() error = nil")
			}
		})
	}

	o.format = "xml"
	if err := run(context.Background(), o, strings.NewReader(`{"method": "RemoveDevice"}`), &bytes.Buffer{}); err == nil {
		t.Error("run() with bad format error = nil")
	}
}

// Package agent routes storage management calls to device managers.
//
// The Agent owns the registry of device.Manager values. CreateDevice and
// ConnectVolume select a manager by the declared device type; calls naming a
// device id select the single manager that owns the id. Every dispatched
// call runs under one mutex, and manager failures leave the agent as gRPC
// status errors.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jbweber/sma/api/v1alpha1"
	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/fault"
	"github.com/jbweber/sma/internal/logging"
)

// Agent dispatches lifecycle calls to registered device managers. The zero
// value is not usable; call New.
type Agent struct {
	mu       sync.Mutex
	managers []device.Manager
	byName   map[string]device.Manager
	byPrefix map[string]device.Manager
	log      *slog.Logger
}

// New returns an agent without managers.
func New(log *slog.Logger) *Agent {
	return &Agent{
		byName:   make(map[string]device.Manager),
		byPrefix: make(map[string]device.Manager),
		log:      logging.OrNop(log),
	}
}

// Register adds m. Type names and id prefixes must be unique so that at most
// one manager owns any device id.
func (a *Agent) Register(m device.Manager) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m.Name() == "" || m.Prefix() == "" {
		return fmt.Errorf("device manager must have a name and a prefix")
	}
	if _, ok := a.byName[m.Name()]; ok {
		return fmt.Errorf("device manager %q is already registered", m.Name())
	}
	if other, ok := a.byPrefix[m.Prefix()]; ok {
		return fmt.Errorf("device prefix %q of %q is already used by %q", m.Prefix(), m.Name(), other.Name())
	}

	a.managers = append(a.managers, m)
	a.byName[m.Name()] = m
	a.byPrefix[m.Prefix()] = m
	a.log.Info("registered device manager", "device_type", m.Name(), "prefix", m.Prefix())
	return nil
}

// Types returns the registered device types, sorted.
func (a *Agent) Types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.byName))
	for name := range a.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateDevice creates a device with the manager of req.Type.
func (a *Agent) CreateDevice(ctx context.Context, req *v1alpha1.CreateDeviceRequest) (*v1alpha1.CreateDeviceResponse, error) {
	const op = device.OpCreateDevice
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, a.fail(op, fault.Wrap(err, fault.Validation, string(op), "invalid request"))
	}
	m, err := a.byType(op, req.Type)
	if err != nil {
		return nil, a.fail(op, err)
	}
	params, err := encodeParams(op, req.Params)
	if err != nil {
		return nil, a.fail(op, err)
	}

	id, err := m.CreateDevice(ctx, params)
	if err != nil {
		return nil, a.fail(op, err)
	}
	a.log.Info("created device", "device_type", m.Name(), "id", id)
	return &v1alpha1.CreateDeviceResponse{ID: id}, nil
}

// RemoveDevice removes the device req.ID with its owning manager.
func (a *Agent) RemoveDevice(ctx context.Context, req *v1alpha1.RemoveDeviceRequest) (*v1alpha1.RemoveDeviceResponse, error) {
	const op = device.OpRemoveDevice
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, a.fail(op, fault.Wrap(err, fault.Validation, string(op), "invalid request"))
	}
	m, err := a.owner(op, req.ID)
	if err != nil {
		return nil, a.fail(op, err)
	}
	if err := m.RemoveDevice(ctx, req.ID); err != nil {
		return nil, a.fail(op, err)
	}
	return &v1alpha1.RemoveDeviceResponse{}, nil
}

// AttachVolume publishes a volume through the device's owning manager.
func (a *Agent) AttachVolume(ctx context.Context, req *v1alpha1.AttachVolumeRequest) (*v1alpha1.AttachVolumeResponse, error) {
	const op = device.OpAttachVolume
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, a.fail(op, fault.Wrap(err, fault.Validation, string(op), "invalid request"))
	}
	m, err := a.owner(op, req.DeviceID)
	if err != nil {
		return nil, a.fail(op, err)
	}
	if err := m.AttachVolume(ctx, req.DeviceID, req.VolumeID); err != nil {
		return nil, a.fail(op, err)
	}
	return &v1alpha1.AttachVolumeResponse{}, nil
}

// DetachVolume withdraws a volume through the device's owning manager.
func (a *Agent) DetachVolume(ctx context.Context, req *v1alpha1.DetachVolumeRequest) (*v1alpha1.DetachVolumeResponse, error) {
	const op = device.OpDetachVolume
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, a.fail(op, fault.Wrap(err, fault.Validation, string(op), "invalid request"))
	}
	m, err := a.owner(op, req.DeviceID)
	if err != nil {
		return nil, a.fail(op, err)
	}
	if err := m.DetachVolume(ctx, req.DeviceID, req.VolumeID); err != nil {
		return nil, a.fail(op, err)
	}
	return &v1alpha1.DetachVolumeResponse{}, nil
}

// ConnectVolume connects a remote volume with the manager of req.Type.
func (a *Agent) ConnectVolume(ctx context.Context, req *v1alpha1.ConnectVolumeRequest) (*v1alpha1.ConnectVolumeResponse, error) {
	const op = device.OpConnectVolume
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, a.fail(op, fault.Wrap(err, fault.Validation, string(op), "invalid request"))
	}
	m, err := a.byType(op, req.Type)
	if err != nil {
		return nil, a.fail(op, err)
	}
	params, err := encodeParams(op, req.Params)
	if err != nil {
		return nil, a.fail(op, err)
	}
	if err := m.ConnectVolume(ctx, req.VolumeID, params); err != nil {
		return nil, a.fail(op, err)
	}
	return &v1alpha1.ConnectVolumeResponse{}, nil
}

// DisconnectVolume offers the volume to every manager that supports
// disconnecting until one holds a reference for it. A volume nobody knows is
// already disconnected.
func (a *Agent) DisconnectVolume(ctx context.Context, req *v1alpha1.DisconnectVolumeRequest) (*v1alpha1.DisconnectVolumeResponse, error) {
	const op = device.OpDisconnectVolume
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, a.fail(op, fault.Wrap(err, fault.Validation, string(op), "invalid request"))
	}
	for _, m := range a.managers {
		if !m.Supports(op) {
			continue
		}
		handled, err := m.DisconnectVolume(ctx, req.VolumeID)
		if err != nil {
			return nil, a.fail(op, err)
		}
		if handled {
			return &v1alpha1.DisconnectVolumeResponse{}, nil
		}
	}
	a.log.Info("volume is not connected through any device manager", "volume", req.VolumeID)
	return &v1alpha1.DisconnectVolumeResponse{}, nil
}

// byType returns the manager of the device type name, which must implement op.
func (a *Agent) byType(op device.Operation, name string) (device.Manager, error) {
	m, ok := a.byName[name]
	if !ok {
		return nil, fault.Validationf(string(op), "unsupported device type: %s", name)
	}
	return m, supported(m, op)
}

// owner returns the manager owning device id, which must implement op.
func (a *Agent) owner(op device.Operation, id string) (device.Manager, error) {
	for _, m := range a.managers {
		if m.OwnsDevice(id) {
			return m, supported(m, op)
		}
	}
	return nil, fault.NotFoundf(string(op), "invalid device id: %s", id)
}

func supported(m device.Manager, op device.Operation) error {
	if !m.Supports(op) {
		return fault.Unsupportedf(string(op), "%s does not support %s", m.Name(), op)
	}
	return nil
}

// fail logs err and converts it to a status error.
func (a *Agent) fail(op device.Operation, err error) error {
	kind := fault.KindOf(err)
	switch kind {
	case fault.Validation, fault.NotFound, fault.Unsupported:
		a.log.Warn("request failed", "op", op, "kind", kind, "error", err)
	default:
		a.log.Error("request failed", "op", op, "kind", kind, "error", err)
	}
	return Status(err)
}

func encodeParams(op device.Operation, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fault.Wrap(err, fault.Validation, string(op), "failed to encode parameters")
	}
	return raw, nil
}

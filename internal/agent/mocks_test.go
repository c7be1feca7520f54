package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/jbweber/sma/internal/device"
)

// mockManager is a mock implementation of the device.Manager interface for testing.
type mockManager struct {
	mu sync.Mutex

	name        string
	prefix      string
	unsupported map[device.Operation]bool

	// Configurable behavior
	createDeviceFunc     func(ctx context.Context, params json.RawMessage) (string, error)
	removeDeviceFunc     func(ctx context.Context, id string) error
	attachVolumeFunc     func(ctx context.Context, deviceID, volumeID string) error
	detachVolumeFunc     func(ctx context.Context, deviceID, volumeID string) error
	connectVolumeFunc    func(ctx context.Context, volumeID string, params json.RawMessage) error
	disconnectVolumeFunc func(ctx context.Context, volumeID string) (bool, error)

	// Call tracking
	createDeviceCalls     []json.RawMessage
	removeDeviceCalls     []string
	attachVolumeCalls     []string
	detachVolumeCalls     []string
	connectVolumeCalls    []string
	disconnectVolumeCalls []string
}

// newMockManager creates a mock whose calls all succeed.
func newMockManager(name, prefix string) *mockManager {
	return &mockManager{
		name:        name,
		prefix:      prefix,
		unsupported: make(map[device.Operation]bool),
		createDeviceFunc: func(ctx context.Context, params json.RawMessage) (string, error) {
			return prefix + ":dev0", nil
		},
		removeDeviceFunc:  func(ctx context.Context, id string) error { return nil },
		attachVolumeFunc:  func(ctx context.Context, deviceID, volumeID string) error { return nil },
		detachVolumeFunc:  func(ctx context.Context, deviceID, volumeID string) error { return nil },
		connectVolumeFunc: func(ctx context.Context, volumeID string, params json.RawMessage) error { return nil },
		disconnectVolumeFunc: func(ctx context.Context, volumeID string) (bool, error) {
			return false, nil
		},
	}
}

func (m *mockManager) Name() string   { return m.name }
func (m *mockManager) Prefix() string { return m.prefix }

func (m *mockManager) Supports(op device.Operation) bool {
	return !m.unsupported[op]
}

func (m *mockManager) OwnsDevice(id string) bool {
	return strings.HasPrefix(id, m.prefix+":")
}

func (m *mockManager) CreateDevice(ctx context.Context, params json.RawMessage) (string, error) {
	m.mu.Lock()
	m.createDeviceCalls = append(m.createDeviceCalls, params)
	m.mu.Unlock()
	return m.createDeviceFunc(ctx, params)
}

func (m *mockManager) RemoveDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	m.removeDeviceCalls = append(m.removeDeviceCalls, id)
	m.mu.Unlock()
	return m.removeDeviceFunc(ctx, id)
}

func (m *mockManager) AttachVolume(ctx context.Context, deviceID, volumeID string) error {
	m.mu.Lock()
	m.attachVolumeCalls = append(m.attachVolumeCalls, deviceID+"/"+volumeID)
	m.mu.Unlock()
	return m.attachVolumeFunc(ctx, deviceID, volumeID)
}

func (m *mockManager) DetachVolume(ctx context.Context, deviceID, volumeID string) error {
	m.mu.Lock()
	m.detachVolumeCalls = append(m.detachVolumeCalls, deviceID+"/"+volumeID)
	m.mu.Unlock()
	return m.detachVolumeFunc(ctx, deviceID, volumeID)
}

func (m *mockManager) ConnectVolume(ctx context.Context, volumeID string, params json.RawMessage) error {
	m.mu.Lock()
	m.connectVolumeCalls = append(m.connectVolumeCalls, volumeID)
	m.mu.Unlock()
	return m.connectVolumeFunc(ctx, volumeID, params)
}

func (m *mockManager) DisconnectVolume(ctx context.Context, volumeID string) (bool, error) {
	m.mu.Lock()
	m.disconnectVolumeCalls = append(m.disconnectVolumeCalls, volumeID)
	m.mu.Unlock()
	return m.disconnectVolumeFunc(ctx, volumeID)
}

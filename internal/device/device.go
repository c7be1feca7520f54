// Package device implements the per-transport device managers.
//
// A Manager turns one lifecycle verb into storage backend calls and, for
// emulated PCI transports, device emulation monitor commands. Every manager
// is idempotent: creating an existing device or removing a missing one
// succeeds without duplicating or touching backend state. Multi-step
// creations roll back what the same call created when a later step fails.
//
// Managers are not safe for concurrent use. The agent serializes every call.
package device

import (
	"context"
	"encoding/json"
)

// Operation names a lifecycle verb.
type Operation string

const (
	OpCreateDevice     Operation = "CreateDevice"
	OpRemoveDevice     Operation = "RemoveDevice"
	OpAttachVolume     Operation = "AttachVolume"
	OpDetachVolume     Operation = "DetachVolume"
	OpConnectVolume    Operation = "ConnectVolume"
	OpDisconnectVolume Operation = "DisconnectVolume"
)

// Operations lists every verb in dispatch order.
var Operations = []Operation{
	OpCreateDevice, OpRemoveDevice, OpAttachVolume,
	OpDetachVolume, OpConnectVolume, OpDisconnectVolume,
}

// Manager is a device manager for one transport.
type Manager interface {
	// Name is the device type requests select the manager by, e.g. "nvmf_tcp".
	Name() string
	// Prefix is the device id prefix this manager owns.
	Prefix() string
	// Supports reports whether the manager implements op.
	Supports(op Operation) bool
	// OwnsDevice reports whether id was issued by this manager.
	OwnsDevice(id string) bool

	CreateDevice(ctx context.Context, params json.RawMessage) (string, error)
	RemoveDevice(ctx context.Context, id string) error
	AttachVolume(ctx context.Context, deviceID, volumeID string) error
	DetachVolume(ctx context.Context, deviceID, volumeID string) error
	ConnectVolume(ctx context.Context, volumeID string, params json.RawMessage) error

	// DisconnectVolume drops volumeID's controller reference. handled is false
	// when the manager holds no reference for the volume.
	DisconnectVolume(ctx context.Context, volumeID string) (handled bool, err error)
}

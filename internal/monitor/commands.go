package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClassDeviceNotFound is the error class reported for unknown device ids.
const ClassDeviceNotFound = "DeviceNotFound"

// EventDeviceDeleted is emitted once a device_del has completed.
const EventDeviceDeleted = "DEVICE_DELETED"

// VFIOUserDriver is the emulated PCI driver backed by a vfio-user socket.
const VFIOUserDriver = "vfio-user-pci"

// Executor runs monitor commands. *Session satisfies it, as does the libvirt
// passthrough in internal/libvirt.
type Executor interface {
	Exec(ctx context.Context, cmd string, args map[string]any) (json.RawMessage, error)
	WaitEvent(ctx context.Context, name string, data map[string]any) (*Event, error)
}

// DeviceExists reports whether the emulator knows a device with id.
func DeviceExists(ctx context.Context, e Executor, id string) (bool, error) {
	_, err := e.Exec(ctx, "device-list-properties", map[string]any{"typename": id})
	if err == nil {
		return true, nil
	}
	if IsClass(err, ClassDeviceNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to query device %s: %w", id, err)
}

// AddVFIOUserDevice hot-plugs a vfio-user PCI function on bus whose
// controller socket lives in socketDir.
func AddVFIOUserDevice(ctx context.Context, e Executor, id, bus, socketDir string) error {
	args := map[string]any{
		"driver":             VFIOUserDriver,
		"x-enable-migration": "on",
		"socket":             strings.TrimRight(socketDir, "/") + "/cntrl",
		"bus":                bus,
		"id":                 id,
	}
	if _, err := e.Exec(ctx, "device_add", args); err != nil {
		return fmt.Errorf("failed to add device %s: %w", id, err)
	}
	return nil
}

// DeleteDevice unplugs device id and waits up to wait for the emulator to
// confirm removal. No confirmation within wait yields confirmed=false and a
// nil error.
func DeleteDevice(ctx context.Context, e Executor, id string, wait time.Duration) (confirmed bool, err error) {
	if _, err := e.Exec(ctx, "device_del", map[string]any{"id": id}); err != nil {
		return false, fmt.Errorf("failed to delete device %s: %w", id, err)
	}
	if wait <= 0 {
		return false, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	_, err = e.WaitEvent(waitCtx, EventDeviceDeleted, map[string]any{"device": id})
	if errors.Is(err, ErrTimeout) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed waiting for %s of %s: %w", EventDeviceDeleted, id, err)
	}
	return true, nil
}

// QueryPCI returns the emulator's PCI device tree.
func QueryPCI(ctx context.Context, e Executor) (json.RawMessage, error) {
	out, err := e.Exec(ctx, "query-pci", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query pci: %w", err)
	}
	return out, nil
}

// ParseReply decodes a single reply line that was obtained through a channel
// other than a Session, such as a monitor passthrough. It returns the return
// member or the error reply.
func ParseReply(line []byte) (json.RawMessage, error) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	if msg.Return == nil {
		return nil, fmt.Errorf("%w: reply has neither return nor error: %s", ErrProtocol, describe(&msg))
	}
	return msg.Return, nil
}

// EncodeCommand returns the wire form of a command without an id, as used by
// monitor passthroughs that assign their own ids.
func EncodeCommand(cmd string, args map[string]any) (string, error) {
	req := struct {
		Execute   string         `json:"execute"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{Execute: cmd}
	if len(args) > 0 {
		req.Arguments = args
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", cmd, err)
	}
	return string(data), nil
}

// MatchEvent reports whether ev is called name and carries data.
func MatchEvent(ev *Event, name string, data map[string]any) bool {
	w := eventWait{name: name, data: data}
	return w.matches(ev)
}

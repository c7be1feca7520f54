package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jbweber/sma/internal/backend"
	"github.com/jbweber/sma/internal/fault"
	"github.com/jbweber/sma/internal/monitor"
	"github.com/jbweber/sma/internal/naming"
)

const (
	// VFIOUserName is the device type of vfio-user devices.
	VFIOUserName = "nvmf_vfiouser"
	// VFIOUserPrefix prefixes vfio-user device ids.
	VFIOUserPrefix = "vfiouser"
	// DefaultVFIOUserRoot is where per-device socket directories are created.
	DefaultVFIOUserRoot = "/var/run/vfio-user/sma"
	// DefaultDeleteWait bounds the wait for the emulator to confirm an unplug.
	DefaultDeleteWait = 2 * time.Second

	vfioUserTransport = "vfiouser"
)

// VFIOUserConfig configures the vfio-user manager.
type VFIOUserConfig struct {
	TransportParams map[string]any
	// RootPath is the parent of every device's socket directory.
	RootPath string
	// Bus is the emulator's hot-plug bus new PCI functions are added to.
	Bus string
	// Emulator presents devices to the guest. Without one, devices exist
	// only on the backend.
	Emulator Emulator
	// DeleteWait bounds the wait for unplug confirmation.
	DeleteWait time.Duration
}

// VFIOUserDeviceParams are the parameters of a vfio-user CreateDevice request.
type VFIOUserDeviceParams struct {
	SubNQN string `json:"subnqn"`
}

// VFIOUser manages NVMe-oF subsystems exported over vfio-user sockets and
// their hot-plugged PCI functions in the emulator.
type VFIOUser struct {
	nvmf
	root       string
	bus        string
	emulator   Emulator
	deleteWait time.Duration
}

// NewVFIOUser returns a vfio-user manager. The vfiouser transport is looked
// up and created here; a failure is recorded and reported by every later
// call.
func NewVFIOUser(ctx context.Context, api backendAPI, cfg VFIOUserConfig, log *slog.Logger) *VFIOUser {
	v := &VFIOUser{
		nvmf:       newNVMf(ctx, VFIOUserName, VFIOUserPrefix, vfioUserTransport, api, cfg.TransportParams, log),
		root:       cfg.RootPath,
		bus:        cfg.Bus,
		emulator:   cfg.Emulator,
		deleteWait: cfg.DeleteWait,
	}
	if v.root == "" {
		v.root = DefaultVFIOUserRoot
	}
	if v.deleteWait == 0 {
		v.deleteWait = DefaultDeleteWait
	}
	return v
}

// Supports reports whether op is implemented. vfio-user devices have no
// initiator side, so ConnectVolume and DisconnectVolume are not.
func (v *VFIOUser) Supports(op Operation) bool {
	switch op {
	case OpCreateDevice, OpRemoveDevice, OpAttachVolume, OpDetachVolume:
		return true
	default:
		return false
	}
}

// CreateDevice creates the subsystem, its socket directory and listener,
// and hot-plugs the PCI function, skipping whatever already exists.
func (v *VFIOUser) CreateDevice(ctx context.Context, raw json.RawMessage) (id string, err error) {
	const op = OpCreateDevice
	if err := v.checkTransport(op); err != nil {
		return "", err
	}
	var p VFIOUserDeviceParams
	if err := decodeParams(op, raw, &p); err != nil {
		return "", err
	}
	if err := required(op, [2]string{"subnqn", p.SubNQN}); err != nil {
		return "", err
	}
	nqn := p.SubNQN
	dir := naming.SocketDir(v.root, nqn)

	// State tracking for rollback
	var (
		subsysCreated bool
		dirCreated    bool
	)
	defer func() {
		if err == nil {
			return
		}
		if subsysCreated {
			v.deleteSubsystemQuietly(ctx, nqn)
		}
		if dirCreated {
			v.removeDirQuietly(dir)
		}
	}()

	subsys, err := v.api.GetSubsystem(ctx, nqn)
	if err != nil {
		return "", backendErr(op, err, "failed to look up subsystem %s", nqn)
	}
	if subsys == nil {
		if err = v.api.CreateSubsystem(ctx, nqn, true); err != nil {
			return "", backendErr(op, err, "failed to create subsystem %s", nqn)
		}
		subsysCreated = true
		v.log.Info("created subsystem", "nqn", nqn)
	}

	dirCreated, err = ensureDir(dir)
	if err != nil {
		return "", fault.Wrap(err, fault.Internal, string(op), "failed to create socket directory %s", dir)
	}

	addr := backend.Address{"trtype": vfioUserTransport, "traddr": dir}
	if subsys == nil || !addr.MatchesAny(subsys.ListenAddresses) {
		if err = v.api.AddListener(ctx, nqn, addr); err != nil {
			return "", backendErr(op, err, "failed to add vfio-user listener to %s", nqn)
		}
		v.log.Info("added listener", "nqn", nqn, "traddr", dir)
	}

	if err = v.plug(ctx, nqn, dir); err != nil {
		return "", err
	}
	return naming.DeviceID(v.prefix, nqn), nil
}

// plug adds the PCI function for nqn unless the emulator already has it.
func (v *VFIOUser) plug(ctx context.Context, nqn, dir string) error {
	const op = OpCreateDevice
	if v.emulator == nil {
		v.log.Debug("no emulator configured, skipping device presentation", "nqn", nqn)
		return nil
	}

	sess, err := v.emulator.Open(ctx)
	if err != nil {
		return protocolErr(op, err, "failed to connect to emulator")
	}
	defer func() {
		if err := sess.Close(); err != nil {
			v.log.Warn("failed to close emulator session", "error", err)
		}
	}()

	devID := naming.SanitizeNQN(nqn)
	exists, err := monitor.DeviceExists(ctx, sess, devID)
	if err != nil {
		return protocolErr(op, err, "failed to query emulated device %s", devID)
	}
	if exists {
		v.log.Debug("emulated device already present", "device", devID)
		return nil
	}

	if checker, ok := sess.(BusChecker); ok {
		if err := checker.CheckBus(ctx, v.bus); err != nil {
			return fault.Wrap(err, fault.Validation, string(op), "hot-plug bus %q is not usable", v.bus)
		}
	}
	if err := monitor.AddVFIOUserDevice(ctx, sess, devID, v.bus, dir); err != nil {
		return protocolErr(op, err, "failed to add emulated device %s", devID)
	}
	v.log.Info("added emulated device", "device", devID, "bus", v.bus)
	return nil
}

// RemoveDevice unplugs the PCI function if present, then deletes the
// subsystem and its socket directory. A missing subsystem is not an error.
func (v *VFIOUser) RemoveDevice(ctx context.Context, id string) error {
	const op = OpRemoveDevice
	if err := v.checkTransport(op); err != nil {
		return err
	}
	nqn, err := v.subsystemNQN(op, id)
	if err != nil {
		return err
	}

	subsys, err := v.api.GetSubsystem(ctx, nqn)
	if err != nil {
		return backendErr(op, err, "failed to look up subsystem %s", nqn)
	}
	if subsys == nil {
		v.log.Info("tried to remove a non-existing device", "nqn", nqn)
		return nil
	}

	if err := v.unplug(ctx, nqn); err != nil {
		return err
	}
	if err := v.api.DeleteSubsystem(ctx, nqn); err != nil {
		return backendErr(op, err, "failed to remove device %s", id)
	}
	v.removeDirQuietly(naming.SocketDir(v.root, nqn))
	v.log.Info("removed device", "nqn", nqn)
	return nil
}

// unplug deletes the PCI function for nqn if the emulator has it.
func (v *VFIOUser) unplug(ctx context.Context, nqn string) error {
	const op = OpRemoveDevice
	if v.emulator == nil {
		return nil
	}

	sess, err := v.emulator.Open(ctx)
	if err != nil {
		return protocolErr(op, err, "failed to connect to emulator")
	}
	defer func() {
		if err := sess.Close(); err != nil {
			v.log.Warn("failed to close emulator session", "error", err)
		}
	}()

	devID := naming.SanitizeNQN(nqn)
	exists, err := monitor.DeviceExists(ctx, sess, devID)
	if err != nil {
		return protocolErr(op, err, "failed to query emulated device %s", devID)
	}
	if !exists {
		v.log.Debug("emulated device already absent", "device", devID)
		return nil
	}

	confirmed, err := monitor.DeleteDevice(ctx, sess, devID, v.deleteWait)
	if err != nil {
		return protocolErr(op, err, "failed to delete emulated device %s", devID)
	}
	if !confirmed {
		v.log.Warn("emulator did not confirm device removal", "device", devID, "waited", v.deleteWait)
	} else {
		v.log.Info("deleted emulated device", "device", devID)
	}
	return nil
}

// AttachVolume publishes a volume in the device's subsystem.
func (v *VFIOUser) AttachVolume(ctx context.Context, deviceID, volumeID string) error {
	return v.attachVolume(ctx, deviceID, volumeID)
}

// DetachVolume removes a volume from the device's subsystem.
func (v *VFIOUser) DetachVolume(ctx context.Context, deviceID, volumeID string) error {
	return v.detachVolume(ctx, deviceID, volumeID)
}

// ConnectVolume is not supported.
func (v *VFIOUser) ConnectVolume(ctx context.Context, volumeID string, params json.RawMessage) error {
	return unsupported(&v.nvmf, OpConnectVolume)
}

// DisconnectVolume is not supported.
func (v *VFIOUser) DisconnectVolume(ctx context.Context, volumeID string) (bool, error) {
	return false, unsupported(&v.nvmf, OpDisconnectVolume)
}

func (v *VFIOUser) removeDirQuietly(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		v.log.Warn("failed to remove socket directory", "path", dir, "error", err)
	}
}

// ensureDir creates dir if missing and reports whether it did.
func ensureDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", dir)
		}
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

func protocolErr(op Operation, err error, format string, args ...any) error {
	return fault.Wrap(err, fault.Protocol, string(op), format, args...)
}

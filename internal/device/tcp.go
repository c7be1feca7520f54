package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"

	"github.com/jbweber/sma/internal/backend"
	"github.com/jbweber/sma/internal/fault"
	"github.com/jbweber/sma/internal/naming"
)

const (
	// TCPName is the device type of NVMe/TCP devices.
	TCPName = "nvmf_tcp"
	// TCPPrefix prefixes NVMe/TCP device ids.
	TCPPrefix = "tcp"

	tcpTransport = "tcp"
)

// TCPConfig configures the NVMe/TCP manager.
type TCPConfig struct {
	// TransportParams are passed to nvmf_create_transport when the TCP
	// transport does not exist yet.
	TransportParams map[string]any
}

// TCPDeviceParams are the parameters of an NVMe/TCP CreateDevice request.
type TCPDeviceParams struct {
	SubNQN  string   `json:"subnqn"`
	Adrfam  string   `json:"adrfam"`
	Traddr  string   `json:"traddr"`
	Trsvcid string   `json:"trsvcid"`
	Hosts   []string `json:"hosts,omitempty"`
}

func (p *TCPDeviceParams) listenAddress() backend.Address {
	return backend.Address{
		"trtype":  tcpTransport,
		"adrfam":  p.Adrfam,
		"traddr":  p.Traddr,
		"trsvcid": p.Trsvcid,
	}
}

// TCPConnectParams locate a remote NVMe/TCP subsystem for ConnectVolume.
type TCPConnectParams struct {
	SubNQN  string `json:"subnqn"`
	Adrfam  string `json:"adrfam"`
	Traddr  string `json:"traddr"`
	Trsvcid string `json:"trsvcid"`
}

func (p *TCPConnectParams) address() backend.Address {
	return backend.Address{
		"trtype":  tcpTransport,
		"subnqn":  p.SubNQN,
		"adrfam":  p.Adrfam,
		"traddr":  p.Traddr,
		"trsvcid": p.Trsvcid,
	}
}

// TCP manages NVMe/TCP subsystems on the target side and NVMe/TCP
// controllers on the initiator side.
type TCP struct {
	nvmf
	controllers *controllerCache
}

// NewTCP returns an NVMe/TCP manager. The TCP transport is looked up and
// created here; a failure is recorded and reported by every later call.
func NewTCP(ctx context.Context, api backendAPI, cfg TCPConfig, log *slog.Logger) *TCP {
	t := &TCP{nvmf: newNVMf(ctx, TCPName, TCPPrefix, tcpTransport, api, cfg.TransportParams, log)}
	t.controllers = newControllerCache(t.log)
	return t
}

// Supports reports true for every operation.
func (t *TCP) Supports(op Operation) bool {
	return slices.Contains(Operations, op)
}

// CreateDevice creates the subsystem and its TCP listener unless they
// exist, and synchronizes the allowed hosts.
func (t *TCP) CreateDevice(ctx context.Context, raw json.RawMessage) (id string, err error) {
	const op = OpCreateDevice
	if err := t.checkTransport(op); err != nil {
		return "", err
	}
	var p TCPDeviceParams
	if err := decodeParams(op, raw, &p); err != nil {
		return "", err
	}
	if err := required(op,
		[2]string{"subnqn", p.SubNQN},
		[2]string{"adrfam", p.Adrfam},
		[2]string{"traddr", p.Traddr},
		[2]string{"trsvcid", p.Trsvcid},
	); err != nil {
		return "", err
	}
	nqn := p.SubNQN

	// State tracking for rollback
	var subsysCreated bool
	defer func() {
		if err != nil && subsysCreated {
			t.deleteSubsystemQuietly(ctx, nqn)
		}
	}()

	subsys, err := t.api.GetSubsystem(ctx, nqn)
	if err != nil {
		return "", backendErr(op, err, "failed to look up subsystem %s", nqn)
	}
	if subsys == nil {
		if err = t.api.CreateSubsystem(ctx, nqn, len(p.Hosts) == 0); err != nil {
			return "", backendErr(op, err, "failed to create subsystem %s", nqn)
		}
		subsysCreated = true
		t.log.Info("created subsystem", "nqn", nqn)
	}

	if err = t.syncHosts(ctx, subsys, nqn, p.Hosts); err != nil {
		return "", err
	}

	addr := p.listenAddress()
	if subsys == nil || !addr.MatchesAny(subsys.ListenAddresses) {
		if err = t.api.AddListener(ctx, nqn, addr); err != nil {
			return "", backendErr(op, err, "failed to add TCP listener to %s", nqn)
		}
		t.log.Info("added listener", "nqn", nqn, "traddr", p.Traddr, "trsvcid", p.Trsvcid)
	}

	return naming.DeviceID(t.prefix, nqn), nil
}

// syncHosts makes the subsystem's host list equal to hosts. An empty list
// allows any host. subsys is nil for a subsystem created by this call.
func (t *TCP) syncHosts(ctx context.Context, subsys *backend.Subsystem, nqn string, hosts []string) error {
	const op = OpCreateDevice
	allowAny := len(hosts) == 0

	if subsys != nil && subsys.AllowAnyHost != allowAny {
		if err := t.api.AllowAnyHost(ctx, nqn, allowAny); err != nil {
			return backendErr(op, err, "failed to set allow_any_host on %s", nqn)
		}
	}
	for _, h := range hosts {
		if subsys != nil && subsys.HasHost(h) {
			continue
		}
		if err := t.api.AddHost(ctx, nqn, h); err != nil {
			return backendErr(op, err, "failed to add host %s to %s", h, nqn)
		}
	}
	if subsys == nil {
		return nil
	}
	for _, h := range subsys.Hosts {
		if slices.Contains(hosts, h.NQN) {
			continue
		}
		if err := t.api.RemoveHost(ctx, nqn, h.NQN); err != nil {
			return backendErr(op, err, "failed to remove host %s from %s", h.NQN, nqn)
		}
	}
	return nil
}

// RemoveDevice deletes the device's subsystem. A missing subsystem is not
// an error.
func (t *TCP) RemoveDevice(ctx context.Context, id string) error {
	const op = OpRemoveDevice
	if err := t.checkTransport(op); err != nil {
		return err
	}
	nqn, err := t.subsystemNQN(op, id)
	if err != nil {
		return err
	}

	subsys, err := t.api.GetSubsystem(ctx, nqn)
	if err != nil {
		return backendErr(op, err, "failed to look up subsystem %s", nqn)
	}
	if subsys == nil {
		t.log.Info("tried to remove a non-existing device", "nqn", nqn)
		return nil
	}
	if err := t.api.DeleteSubsystem(ctx, nqn); err != nil {
		return backendErr(op, err, "failed to remove device %s", id)
	}
	t.log.Info("removed device", "nqn", nqn)
	return nil
}

// AttachVolume publishes a volume in the device's subsystem.
func (t *TCP) AttachVolume(ctx context.Context, deviceID, volumeID string) error {
	return t.attachVolume(ctx, deviceID, volumeID)
}

// DetachVolume removes a volume from the device's subsystem.
func (t *TCP) DetachVolume(ctx context.Context, deviceID, volumeID string) error {
	return t.detachVolume(ctx, deviceID, volumeID)
}

// ConnectVolume makes volumeID reachable through a controller to the remote
// subsystem described by raw, reusing a controller that already targets it.
func (t *TCP) ConnectVolume(ctx context.Context, volumeID string, raw json.RawMessage) (err error) {
	const op = OpConnectVolume
	if err := t.checkTransport(op); err != nil {
		return err
	}
	if volumeID == "" {
		return fault.Validationf(string(op), "missing required field: volume_id")
	}
	var p TCPConnectParams
	if err := decodeParams(op, raw, &p); err != nil {
		return err
	}
	if err := required(op,
		[2]string{"subnqn", p.SubNQN},
		[2]string{"adrfam", p.Adrfam},
		[2]string{"traddr", p.Traddr},
		[2]string{"trsvcid", p.Trsvcid},
	); err != nil {
		return err
	}

	live, err := t.refreshControllers(ctx, op)
	if err != nil {
		return err
	}

	addr := p.address()
	var name string
	for i := range live {
		if addr.MatchesAny(live[i].Paths()) {
			name = live[i].Name
			break
		}
	}

	var (
		created  bool
		attached []string
	)
	defer func() {
		// Only a controller connected by this call is torn down.
		if err != nil && created {
			t.detachQuietly(ctx, name)
		}
	}()

	if name == "" {
		name = naming.ControllerName()
		attached, err = t.api.AttachController(ctx, name, addr)
		if err != nil {
			return backendErr(op, err, "failed to connect controller to %s", p.SubNQN)
		}
		created = true
		t.controllers.track(name)
		t.log.Info("connected controller", "controller", name, "subnqn", p.SubNQN, "traddr", p.Traddr)
	} else {
		t.log.Debug("reusing controller", "controller", name, "subnqn", p.SubNQN)
	}

	bdevs, err := t.api.GetBdevs(ctx)
	if err != nil {
		return backendErr(op, err, "failed to list bdevs")
	}
	if !reachable(bdevs, volumeID, addr, attached) {
		return fault.NotFoundf(string(op), "volume %s could not be found through controller %s", volumeID, name)
	}

	t.controllers.add(name, volumeID)
	t.log.Info("connected volume", "volume", volumeID, "controller", name)
	return nil
}

// DisconnectVolume drops volumeID's reference and disconnects its
// controller once no reference is left.
func (t *TCP) DisconnectVolume(ctx context.Context, volumeID string) (bool, error) {
	const op = OpDisconnectVolume
	if err := t.checkTransport(op); err != nil {
		return false, err
	}
	if volumeID == "" {
		return false, fault.Validationf(string(op), "missing required field: volume_id")
	}
	if _, err := t.refreshControllers(ctx, op); err != nil {
		return false, err
	}

	name, last, found := t.controllers.remove(volumeID)
	if !found {
		t.log.Debug("volume is not connected", "volume", volumeID)
		return false, nil
	}
	if !last {
		t.log.Info("disconnected volume, controller still in use",
			"volume", volumeID, "controller", name, "references", t.controllers.volumes(name))
		return true, nil
	}

	if err := t.api.DetachController(ctx, name); err != nil {
		t.controllers.add(name, volumeID)
		return true, backendErr(op, err, "failed to disconnect controller %s", name)
	}
	t.controllers.forget(name)
	t.log.Info("disconnected volume and controller", "volume", volumeID, "controller", name)
	return true, nil
}

// ControllerVolumes returns the volumes referencing controller name.
func (t *TCP) ControllerVolumes(name string) []string {
	return t.controllers.volumes(name)
}

func (t *TCP) refreshControllers(ctx context.Context, op Operation) ([]backend.Controller, error) {
	live, err := t.api.GetControllers(ctx)
	if err != nil {
		return nil, backendErr(op, err, "failed to list controllers")
	}
	t.controllers.reconcile(live)
	return live, nil
}

func (t *TCP) detachQuietly(ctx context.Context, name string) {
	t.controllers.forget(name)
	if err := t.api.DetachController(ctx, name); err != nil {
		t.log.Warn("failed to disconnect controller during rollback", "controller", name, "error", err)
		return
	}
	t.log.Info("rolled back controller", "controller", name)
}

// reachable reports whether a bdev carrying volumeID is exposed through the
// controller at addr, or is one of the bdevs it just created.
func reachable(bdevs []backend.Bdev, volumeID string, addr backend.Address, attached []string) bool {
	for i := range bdevs {
		b := &bdevs[i]
		if !strings.EqualFold(b.UUID, volumeID) {
			continue
		}
		if slices.Contains(attached, b.Name) || addr.MatchesAny(b.NVMePaths()) {
			return true
		}
	}
	return false
}

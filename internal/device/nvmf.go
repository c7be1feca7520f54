package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jbweber/sma/internal/fault"
	"github.com/jbweber/sma/internal/logging"
	"github.com/jbweber/sma/internal/naming"
)

// nvmf holds what the NVMe-oF target managers share: identity, the backend,
// the transport state recorded at construction, and namespace publishing.
type nvmf struct {
	name   string
	prefix string
	trtype string
	api    backendAPI
	log    *slog.Logger

	// transportErr is set when the transport could not be provisioned.
	transportErr error
}

func newNVMf(ctx context.Context, name, prefix, trtype string, api backendAPI, transportParams map[string]any, log *slog.Logger) nvmf {
	n := nvmf{
		name:   name,
		prefix: prefix,
		trtype: trtype,
		api:    api,
		log:    logging.OrNop(log).With("device_type", name),
	}
	n.transportErr = n.ensureTransport(ctx, transportParams)
	if n.transportErr != nil {
		n.log.Error("transport is unavailable", "trtype", trtype, "error", n.transportErr)
	}
	return n
}

func (n *nvmf) ensureTransport(ctx context.Context, params map[string]any) error {
	ok, err := n.api.HasTransport(ctx, n.trtype)
	if err != nil {
		return fmt.Errorf("failed to query transports: %w", err)
	}
	if ok {
		n.log.Debug("transport already exists", "trtype", n.trtype)
		return nil
	}
	if err := n.api.CreateTransport(ctx, n.trtype, params); err != nil {
		return fmt.Errorf("failed to create %s transport: %w", n.trtype, err)
	}
	n.log.Info("created transport", "trtype", n.trtype)
	return nil
}

func (n *nvmf) Name() string   { return n.name }
func (n *nvmf) Prefix() string { return n.prefix }

func (n *nvmf) OwnsDevice(id string) bool {
	return naming.HasPrefix(id, n.prefix)
}

// TransportErr returns the construction-time transport failure, if any.
func (n *nvmf) TransportErr() error {
	return n.transportErr
}

func (n *nvmf) checkTransport(op Operation) error {
	if n.transportErr == nil {
		return nil
	}
	return fault.Wrap(n.transportErr, fault.TransportUnavailable, string(op),
		"NVMe/%s transport is unavailable", strings.ToUpper(n.trtype))
}

// subsystemNQN extracts the subsystem NQN from a device id.
func (n *nvmf) subsystemNQN(op Operation, id string) (string, error) {
	nqn, err := naming.BackendID(id, n.prefix)
	if err != nil {
		return "", fault.Wrap(err, fault.NotFound, string(op), "invalid device id %q", id)
	}
	return nqn, nil
}

// attachVolume publishes volumeID in the device's subsystem unless it is
// already a member.
func (n *nvmf) attachVolume(ctx context.Context, deviceID, volumeID string) error {
	const op = OpAttachVolume
	if err := n.checkTransport(op); err != nil {
		return err
	}
	nqn, err := n.subsystemNQN(op, deviceID)
	if err != nil {
		return err
	}
	if volumeID == "" {
		return fault.Validationf(string(op), "missing required field: volume_id")
	}

	bdev, err := n.api.FindBdev(ctx, volumeID)
	if err != nil {
		return backendErr(op, err, "failed to look up volume %s", volumeID)
	}
	if bdev == nil {
		return fault.NotFoundf(string(op), "invalid volume id %s", volumeID)
	}
	subsys, err := n.api.GetSubsystem(ctx, nqn)
	if err != nil {
		return backendErr(op, err, "failed to look up subsystem %s", nqn)
	}
	if subsys == nil {
		return fault.NotFoundf(string(op), "invalid device id %s", deviceID)
	}

	if ns, ok := subsys.NamespaceForBdev(bdev.Name); ok {
		n.log.Debug("volume already attached", "volume", volumeID, "nqn", nqn, "nsid", ns.NSID)
		return nil
	}
	nsid, err := n.api.AddNamespace(ctx, nqn, bdev.Name)
	if err != nil {
		return backendErr(op, err, "failed to attach volume %s", volumeID)
	}
	n.log.Info("attached volume", "volume", volumeID, "nqn", nqn, "nsid", nsid)
	return nil
}

// detachVolume removes volumeID from the device's subsystem. A missing
// volume or subsystem is not an error.
func (n *nvmf) detachVolume(ctx context.Context, deviceID, volumeID string) error {
	const op = OpDetachVolume
	if err := n.checkTransport(op); err != nil {
		return err
	}
	nqn, err := n.subsystemNQN(op, deviceID)
	if err != nil {
		return err
	}
	if volumeID == "" {
		return fault.Validationf(string(op), "missing required field: volume_id")
	}

	bdev, err := n.api.FindBdev(ctx, volumeID)
	if err != nil {
		return backendErr(op, err, "failed to look up volume %s", volumeID)
	}
	if bdev == nil {
		n.log.Info("tried to detach a non-existing volume", "volume", volumeID)
		return nil
	}
	subsys, err := n.api.GetSubsystem(ctx, nqn)
	if err != nil {
		return backendErr(op, err, "failed to look up subsystem %s", nqn)
	}
	if subsys == nil {
		n.log.Info("tried to detach a volume from a non-existing device", "volume", volumeID, "nqn", nqn)
		return nil
	}

	ns, ok := subsys.NamespaceForBdev(bdev.Name)
	if !ok {
		n.log.Debug("volume is not attached", "volume", volumeID, "nqn", nqn)
		return nil
	}
	if err := n.api.RemoveNamespace(ctx, nqn, ns.NSID); err != nil {
		return backendErr(op, err, "failed to detach volume %s", volumeID)
	}
	n.log.Info("detached volume", "volume", volumeID, "nqn", nqn, "nsid", ns.NSID)
	return nil
}

// deleteSubsystemQuietly is the rollback step for a subsystem created by
// the failing call.
func (n *nvmf) deleteSubsystemQuietly(ctx context.Context, nqn string) {
	if err := n.api.DeleteSubsystem(ctx, nqn); err != nil {
		n.log.Warn("failed to delete subsystem during rollback", "nqn", nqn, "error", err)
		return
	}
	n.log.Info("rolled back subsystem", "nqn", nqn)
}

func backendErr(op Operation, err error, format string, args ...any) error {
	return fault.Wrap(err, fault.Backend, string(op), format, args...)
}

func unsupported(n *nvmf, op Operation) error {
	return fault.Unsupportedf(string(op), "%s does not support %s", n.name, op)
}

// decodeParams decodes type-specific request parameters.
func decodeParams(op Operation, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fault.Validationf(string(op), "missing device parameters")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Wrap(err, fault.Validation, string(op), "failed to parse parameters")
	}
	return nil
}

// required fails on the first empty field, in order.
func required(op Operation, fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return fault.Validationf(string(op), "missing required field: %s", f[0])
		}
	}
	return nil
}

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jbweber/sma/internal/logging"
)

// API provides typed wrappers over the backend RPC methods the agent uses.
type API struct {
	c Caller
}

// NewAPI wraps c.
func NewAPI(c Caller) *API {
	return &API{c: c}
}

// Caller returns the wrapped caller.
func (a *API) Caller() Caller {
	return a.c
}

// callBool issues a method whose result is a bool and turns a false result
// into an error.
func (a *API) callBool(ctx context.Context, method string, params any) error {
	var ok bool
	if err := a.c.Call(ctx, method, params, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s returned false", method)
	}
	return nil
}

// GetMethods returns the names of the RPC methods the backend serves.
func (a *API) GetMethods(ctx context.Context) ([]string, error) {
	var methods []string
	if err := a.c.Call(ctx, "rpc_get_methods", nil, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// GetTransports lists the NVMe-oF transports created on the target.
func (a *API) GetTransports(ctx context.Context) ([]Transport, error) {
	var transports []Transport
	if err := a.c.Call(ctx, "nvmf_get_transports", nil, &transports); err != nil {
		return nil, err
	}
	return transports, nil
}

// HasTransport reports whether a transport of trtype exists.
func (a *API) HasTransport(ctx context.Context, trtype string) (bool, error) {
	transports, err := a.GetTransports(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range transports {
		if strings.EqualFold(t.Trtype, trtype) {
			return true, nil
		}
	}
	return false, nil
}

// CreateTransport creates a transport of trtype. Extra params are passed
// through to the backend unchanged.
func (a *API) CreateTransport(ctx context.Context, trtype string, params map[string]any) error {
	req := make(map[string]any, len(params)+1)
	for k, v := range params {
		req[k] = v
	}
	req["trtype"] = trtype
	return a.callBool(ctx, "nvmf_create_transport", req)
}

// GetSubsystems lists every subsystem on the target.
func (a *API) GetSubsystems(ctx context.Context) ([]Subsystem, error) {
	var subsystems []Subsystem
	if err := a.c.Call(ctx, "nvmf_get_subsystems", nil, &subsystems); err != nil {
		return nil, err
	}
	return subsystems, nil
}

// GetSubsystem returns the subsystem named nqn, or nil if there is none.
func (a *API) GetSubsystem(ctx context.Context, nqn string) (*Subsystem, error) {
	subsystems, err := a.GetSubsystems(ctx)
	if err != nil {
		return nil, err
	}
	for i := range subsystems {
		if subsystems[i].NQN == nqn {
			return &subsystems[i], nil
		}
	}
	return nil, nil
}

// CreateSubsystem creates the subsystem nqn.
func (a *API) CreateSubsystem(ctx context.Context, nqn string, allowAnyHost bool) error {
	return a.callBool(ctx, "nvmf_create_subsystem", map[string]any{
		"nqn":            nqn,
		"allow_any_host": allowAnyHost,
	})
}

// DeleteSubsystem deletes the subsystem nqn.
func (a *API) DeleteSubsystem(ctx context.Context, nqn string) error {
	return a.callBool(ctx, "nvmf_delete_subsystem", map[string]any{"nqn": nqn})
}

// AddListener adds a listen address to the subsystem nqn.
func (a *API) AddListener(ctx context.Context, nqn string, addr Address) error {
	return a.callBool(ctx, "nvmf_subsystem_add_listener", map[string]any{
		"nqn":            nqn,
		"listen_address": addr,
	})
}

// AllowAnyHost toggles whether the subsystem accepts any host NQN.
func (a *API) AllowAnyHost(ctx context.Context, nqn string, allow bool) error {
	return a.callBool(ctx, "nvmf_subsystem_allow_any_host", map[string]any{
		"nqn":            nqn,
		"allow_any_host": allow,
	})
}

// AddHost allows host to connect to the subsystem nqn.
func (a *API) AddHost(ctx context.Context, nqn, host string) error {
	return a.callBool(ctx, "nvmf_subsystem_add_host", map[string]any{"nqn": nqn, "host": host})
}

// RemoveHost revokes host's access to the subsystem nqn.
func (a *API) RemoveHost(ctx context.Context, nqn, host string) error {
	return a.callBool(ctx, "nvmf_subsystem_remove_host", map[string]any{"nqn": nqn, "host": host})
}

// AddNamespace publishes bdev in the subsystem nqn and returns its nsid.
func (a *API) AddNamespace(ctx context.Context, nqn, bdev string) (int, error) {
	var nsid int
	err := a.c.Call(ctx, "nvmf_subsystem_add_ns", map[string]any{
		"nqn":       nqn,
		"namespace": map[string]any{"bdev_name": bdev},
	}, &nsid)
	if err != nil {
		return 0, err
	}
	if nsid <= 0 {
		return 0, fmt.Errorf("nvmf_subsystem_add_ns returned invalid nsid %d", nsid)
	}
	return nsid, nil
}

// RemoveNamespace removes namespace nsid from the subsystem nqn.
func (a *API) RemoveNamespace(ctx context.Context, nqn string, nsid int) error {
	return a.callBool(ctx, "nvmf_subsystem_remove_ns", map[string]any{"nqn": nqn, "nsid": nsid})
}

// GetBdevs lists every bdev.
func (a *API) GetBdevs(ctx context.Context) ([]Bdev, error) {
	var bdevs []Bdev
	if err := a.c.Call(ctx, "bdev_get_bdevs", nil, &bdevs); err != nil {
		return nil, err
	}
	return bdevs, nil
}

// FindBdev returns the bdev whose uuid is uuid, or nil if there is none.
func (a *API) FindBdev(ctx context.Context, uuid string) (*Bdev, error) {
	bdevs, err := a.GetBdevs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bdevs {
		if strings.EqualFold(bdevs[i].UUID, uuid) {
			return &bdevs[i], nil
		}
	}
	return nil, nil
}

// GetControllers lists the NVMe bdev controllers.
func (a *API) GetControllers(ctx context.Context) ([]Controller, error) {
	var controllers []Controller
	if err := a.c.Call(ctx, "bdev_nvme_get_controllers", nil, &controllers); err != nil {
		return nil, err
	}
	return controllers, nil
}

// AttachController connects a controller named name to addr and returns the
// names of the bdevs it created.
func (a *API) AttachController(ctx context.Context, name string, addr Address) ([]string, error) {
	req := make(map[string]any, len(addr)+1)
	for k, v := range addr {
		req[k] = v
	}
	req["name"] = name

	var bdevs []string
	if err := a.c.Call(ctx, "bdev_nvme_attach_controller", req, &bdevs); err != nil {
		return nil, err
	}
	return bdevs, nil
}

// DetachController disconnects the controller name.
func (a *API) DetachController(ctx context.Context, name string) error {
	return a.callBool(ctx, "bdev_nvme_detach_controller", map[string]any{"name": name})
}

// WaitForListen polls the backend once per interval until it answers
// rpc_get_methods or timeout elapses.
func WaitForListen(ctx context.Context, api *API, timeout, interval time.Duration, log *slog.Logger) error {
	log = logging.OrNop(log)
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := api.GetMethods(ctx)
		if err == nil {
			return nil
		}
		elapsed := time.Since(start)
		log.Debug("backend is not responding", "elapsed", elapsed.Truncate(time.Second), "error", err)
		if elapsed >= timeout {
			return fmt.Errorf("timed out after %s waiting for backend to respond: %w", timeout, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for backend cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

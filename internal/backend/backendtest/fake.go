// Package backendtest provides an in-memory storage backend for tests.
//
// Fake implements backend.Caller and keeps just enough NVMe-oF target and
// bdev state to exercise the device managers: transports, subsystems with
// listeners, hosts and namespaces, local bdevs, and NVMe controllers attached
// to simulated remote targets.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jbweber/sma/internal/backend"
)

// Call is a recorded backend call.
type Call struct {
	Method string
	Params json.RawMessage
}

// Remote is a simulated NVMe-oF target reachable by AttachController.
type Remote struct {
	Address backend.Address
	Volumes []string
}

type controller struct {
	name  string
	addr  backend.Address
	bdevs []backend.Bdev
}

// Fake is an in-memory backend. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	transports  []string
	subsystems  []*backend.Subsystem
	bdevs       []backend.Bdev
	controllers []*controller
	remotes     []Remote

	calls    []Call
	failures map[string]error
}

// New returns an empty backend.
func New() *Fake {
	return &Fake{failures: make(map[string]error)}
}

// readOnly lists the methods that never change backend state.
var readOnly = map[string]bool{
	"rpc_get_methods":           true,
	"nvmf_get_transports":       true,
	"nvmf_get_subsystems":       true,
	"bdev_get_bdevs":            true,
	"bdev_nvme_get_controllers": true,
}

// AddTransport registers an existing transport.
func (f *Fake) AddTransport(trtype string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports = append(f.transports, trtype)
}

// AddBdev registers a local bdev.
func (f *Fake) AddBdev(name, uuid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bdevs = append(f.bdevs, backend.Bdev{Name: name, UUID: uuid})
}

// AddRemote registers a remote target exposing volumes at addr.
func (f *Fake) AddRemote(addr backend.Address, volumes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remotes = append(f.remotes, Remote{Address: addr, Volumes: volumes})
}

// AddController registers a controller created outside the agent.
func (f *Fake) AddController(name string, addr backend.Address, volumes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controllers = append(f.controllers, newController(name, addr, volumes))
}

// RemoveController drops a controller as if it had been detached externally.
func (f *Fake) RemoveController(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeControllerLocked(name)
}

// FailOn makes every subsequent call of method return err. A nil err clears
// the failure.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Subsystem returns a copy of the subsystem nqn.
func (f *Fake) Subsystem(nqn string) (backend.Subsystem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subsystemLocked(nqn)
	if s == nil {
		return backend.Subsystem{}, false
	}
	return cloneSubsystem(s), true
}

// SubsystemCount returns the number of subsystems named nqn.
func (f *Fake) SubsystemCount(nqn string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subsystems {
		if s.NQN == nqn {
			n++
		}
	}
	return n
}

// Transports returns the transport types present.
func (f *Fake) Transports() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transports...)
}

// ControllerNames returns the names of attached controllers, sorted.
func (f *Fake) ControllerNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.controllers))
	for _, c := range f.controllers {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// MutatingCalls returns the recorded calls that change state.
func (f *Fake) MutatingCalls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if !readOnly[c.Method] {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times method was called.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Call implements backend.Caller. Params and results round-trip through JSON
// so callers see the same decoding behavior as with a real socket.
func (f *Fake) Call(ctx context.Context, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Method: method, Params: raw})
	if err := f.failures[method]; err != nil {
		return err
	}

	out, err := f.dispatchLocked(method, raw)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return json.Unmarshal(data, result)
}

func (f *Fake) dispatchLocked(method string, raw json.RawMessage) (any, error) {
	switch method {
	case "rpc_get_methods":
		return []string{
			"nvmf_get_transports", "nvmf_create_transport", "nvmf_get_subsystems",
			"bdev_get_bdevs", "bdev_nvme_get_controllers",
		}, nil
	case "nvmf_get_transports":
		out := make([]backend.Transport, 0, len(f.transports))
		for _, t := range f.transports {
			out = append(out, backend.Transport{Trtype: t})
		}
		return out, nil
	case "nvmf_create_transport":
		return f.createTransport(raw)
	case "nvmf_get_subsystems":
		out := make([]backend.Subsystem, 0, len(f.subsystems))
		for _, s := range f.subsystems {
			out = append(out, cloneSubsystem(s))
		}
		return out, nil
	case "nvmf_create_subsystem":
		return f.createSubsystem(raw)
	case "nvmf_delete_subsystem":
		return f.deleteSubsystem(raw)
	case "nvmf_subsystem_add_listener":
		return f.addListener(raw)
	case "nvmf_subsystem_allow_any_host":
		return f.allowAnyHost(raw)
	case "nvmf_subsystem_add_host":
		return f.addHost(raw)
	case "nvmf_subsystem_remove_host":
		return f.removeHost(raw)
	case "nvmf_subsystem_add_ns":
		return f.addNamespace(raw)
	case "nvmf_subsystem_remove_ns":
		return f.removeNamespace(raw)
	case "bdev_get_bdevs":
		return f.allBdevsLocked(), nil
	case "bdev_nvme_get_controllers":
		out := make([]backend.Controller, 0, len(f.controllers))
		for _, c := range f.controllers {
			out = append(out, backend.Controller{
				Name:   c.name,
				Ctrlrs: []backend.ControllerPath{{Trid: c.addr.Clone()}},
			})
		}
		return out, nil
	case "bdev_nvme_attach_controller":
		return f.attachController(raw)
	case "bdev_nvme_detach_controller":
		return f.detachController(raw)
	default:
		return nil, &backend.Error{Code: -32601, Message: "Method not found"}
	}
}

func (f *Fake) createTransport(raw json.RawMessage) (any, error) {
	var p struct {
		Trtype string `json:"trtype"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	for _, t := range f.transports {
		if strings.EqualFold(t, p.Trtype) {
			return nil, &backend.Error{Code: -32602, Message: "transport already exists"}
		}
	}
	f.transports = append(f.transports, strings.ToUpper(p.Trtype))
	return true, nil
}

func (f *Fake) createSubsystem(raw json.RawMessage) (any, error) {
	var p struct {
		NQN          string `json:"nqn"`
		AllowAnyHost bool   `json:"allow_any_host"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if f.subsystemLocked(p.NQN) != nil {
		return nil, &backend.Error{Code: -32602, Message: "subsystem already exists"}
	}
	f.subsystems = append(f.subsystems, &backend.Subsystem{
		NQN:          p.NQN,
		Subtype:      "NVMe",
		AllowAnyHost: p.AllowAnyHost,
	})
	return true, nil
}

func (f *Fake) deleteSubsystem(raw json.RawMessage) (any, error) {
	var p struct {
		NQN string `json:"nqn"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	for i, s := range f.subsystems {
		if s.NQN == p.NQN {
			f.subsystems = append(f.subsystems[:i], f.subsystems[i+1:]...)
			return true, nil
		}
	}
	return nil, notFound("subsystem", p.NQN)
}

func (f *Fake) addListener(raw json.RawMessage) (any, error) {
	var p struct {
		NQN           string          `json:"nqn"`
		ListenAddress backend.Address `json:"listen_address"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	s := f.subsystemLocked(p.NQN)
	if s == nil {
		return nil, notFound("subsystem", p.NQN)
	}
	s.ListenAddresses = append(s.ListenAddresses, p.ListenAddress.Clone())
	return true, nil
}

func (f *Fake) allowAnyHost(raw json.RawMessage) (any, error) {
	var p struct {
		NQN          string `json:"nqn"`
		AllowAnyHost bool   `json:"allow_any_host"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	s := f.subsystemLocked(p.NQN)
	if s == nil {
		return nil, notFound("subsystem", p.NQN)
	}
	s.AllowAnyHost = p.AllowAnyHost
	return true, nil
}

type hostParams struct {
	NQN  string `json:"nqn"`
	Host string `json:"host"`
}

func (f *Fake) addHost(raw json.RawMessage) (any, error) {
	var p hostParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	s := f.subsystemLocked(p.NQN)
	if s == nil {
		return nil, notFound("subsystem", p.NQN)
	}
	if !s.HasHost(p.Host) {
		s.Hosts = append(s.Hosts, backend.Host{NQN: p.Host})
	}
	return true, nil
}

func (f *Fake) removeHost(raw json.RawMessage) (any, error) {
	var p hostParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	s := f.subsystemLocked(p.NQN)
	if s == nil {
		return nil, notFound("subsystem", p.NQN)
	}
	for i, h := range s.Hosts {
		if h.NQN == p.Host {
			s.Hosts = append(s.Hosts[:i], s.Hosts[i+1:]...)
			break
		}
	}
	return true, nil
}

func (f *Fake) addNamespace(raw json.RawMessage) (any, error) {
	var p struct {
		NQN       string `json:"nqn"`
		Namespace struct {
			BdevName string `json:"bdev_name"`
		} `json:"namespace"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	s := f.subsystemLocked(p.NQN)
	if s == nil {
		return nil, notFound("subsystem", p.NQN)
	}
	var bdev *backend.Bdev
	for _, b := range f.allBdevsLocked() {
		if b.Name == p.Namespace.BdevName {
			bdev = &b
			break
		}
	}
	if bdev == nil {
		return nil, notFound("bdev", p.Namespace.BdevName)
	}
	nsid := 1
	for _, ns := range s.Namespaces {
		if ns.NSID >= nsid {
			nsid = ns.NSID + 1
		}
	}
	s.Namespaces = append(s.Namespaces, backend.Namespace{
		NSID:     nsid,
		BdevName: bdev.Name,
		Name:     bdev.Name,
		UUID:     bdev.UUID,
	})
	return nsid, nil
}

func (f *Fake) removeNamespace(raw json.RawMessage) (any, error) {
	var p struct {
		NQN  string `json:"nqn"`
		NSID int    `json:"nsid"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	s := f.subsystemLocked(p.NQN)
	if s == nil {
		return nil, notFound("subsystem", p.NQN)
	}
	for i, ns := range s.Namespaces {
		if ns.NSID == p.NSID {
			s.Namespaces = append(s.Namespaces[:i], s.Namespaces[i+1:]...)
			return true, nil
		}
	}
	return nil, notFound("namespace", fmt.Sprint(p.NSID))
}

func (f *Fake) attachController(raw json.RawMessage) (any, error) {
	var params backend.Address
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	name := params["name"]
	delete(params, "name")
	for _, c := range f.controllers {
		if c.name == name {
			return nil, &backend.Error{Code: -17, Message: "controller already exists"}
		}
	}
	for _, r := range f.remotes {
		if r.Address.Matches(params) {
			c := newController(name, params, r.Volumes)
			f.controllers = append(f.controllers, c)
			names := make([]string, 0, len(c.bdevs))
			for _, b := range c.bdevs {
				names = append(names, b.Name)
			}
			return names, nil
		}
	}
	return nil, &backend.Error{Code: -5, Message: "Input/output error: failed to connect"}
}

func (f *Fake) detachController(raw json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if !f.removeControllerLocked(p.Name) {
		return nil, notFound("controller", p.Name)
	}
	return true, nil
}

func (f *Fake) removeControllerLocked(name string) bool {
	for i, c := range f.controllers {
		if c.name == name {
			f.controllers = append(f.controllers[:i], f.controllers[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Fake) subsystemLocked(nqn string) *backend.Subsystem {
	for _, s := range f.subsystems {
		if s.NQN == nqn {
			return s
		}
	}
	return nil
}

func (f *Fake) allBdevsLocked() []backend.Bdev {
	out := append([]backend.Bdev(nil), f.bdevs...)
	for _, c := range f.controllers {
		out = append(out, c.bdevs...)
	}
	return out
}

func newController(name string, addr backend.Address, volumes []string) *controller {
	c := &controller{name: name, addr: addr.Clone()}
	for i, uuid := range volumes {
		c.bdevs = append(c.bdevs, backend.Bdev{
			Name: fmt.Sprintf("%sn%d", name, i+1),
			UUID: uuid,
			DriverSpecific: &backend.BdevDriverSpecific{
				NVMe: []backend.BdevNVMe{{Trid: addr.Clone()}},
			},
		})
	}
	return c
}

func cloneSubsystem(s *backend.Subsystem) backend.Subsystem {
	out := *s
	out.ListenAddresses = make([]backend.Address, 0, len(s.ListenAddresses))
	for _, a := range s.ListenAddresses {
		out.ListenAddresses = append(out.ListenAddresses, a.Clone())
	}
	out.Hosts = append([]backend.Host{}, s.Hosts...)
	out.Namespaces = append([]backend.Namespace{}, s.Namespaces...)
	return out
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &backend.Error{Code: -32602, Message: "Invalid parameters: " + err.Error()}
	}
	return nil
}

func notFound(what, name string) error {
	return &backend.Error{Code: -19, Message: fmt.Sprintf("%s %s not found", what, name)}
}

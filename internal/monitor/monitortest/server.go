// Package monitortest provides an in-process device emulation monitor for
// tests. It speaks the same greeting, negotiation, command and event lines as
// a real emulator and keeps a small tree of hot-plug buses and devices.
package monitortest

import (
	"bufio"
	"encoding/json"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jbweber/sma/internal/monitor"
)

// Device is a device plugged into a bus.
type Device struct {
	ID     string `json:"id"`
	Driver string `json:"driver,omitempty"`
	Socket string `json:"socket,omitempty"`
	Bus    string `json:"-"`
}

// Command is a recorded command.
type Command struct {
	Name string
	Args map[string]any
}

// Server is a fake monitor. Create it with NewServer.
type Server struct {
	mu       sync.Mutex
	buses    map[string][]Device
	commands []Command
	failures map[string]*monitor.RequestError
	silent   map[string]bool
	noisy    bool
	conns    map[net.Conn]struct{}
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer returns a server exposing the given hot-plug buses.
func NewServer(buses ...string) *Server {
	s := &Server{
		buses:    make(map[string][]Device),
		failures: make(map[string]*monitor.RequestError),
		silent:   make(map[string]bool),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, b := range buses {
		s.buses[b] = nil
	}
	return s
}

// Listen starts serving on network/address and returns the bound address.
func (s *Server) Listen(network, address string) (string, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.ServeConn(conn)
			}()
		}
	}()
	return l.Addr().String(), nil
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// AddDevice plugs a device into bus without going through device_add.
func (s *Server) AddDevice(bus, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buses[bus] = append(s.buses[bus], Device{ID: id, Driver: monitor.VFIOUserDriver, Bus: bus})
}

// Device returns the device called id.
func (s *Server) Device(id string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

// Devices returns every plugged device ordered by id.
func (s *Server) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Device
	for _, devs := range s.buses {
		out = append(out, devs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Commands returns the commands received after negotiation.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// CommandCount returns how often name was received.
func (s *Server) CommandCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c.Name == name {
			n++
		}
	}
	return n
}

// FailOn makes name fail with class and desc.
func (s *Server) FailOn(name, class, desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = &monitor.RequestError{Class: class, Desc: desc}
}

// Silence makes the server swallow the command or event called name.
func (s *Server) Silence(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[name] = true
}

// SetNoisy makes the server emit an unrelated event before every reply.
func (s *Server) SetNoisy(noisy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noisy = noisy
}

// ServeConn speaks the protocol on conn until it is closed.
func (s *Server) ServeConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	w := &writer{conn: conn}
	if err := w.send(map[string]any{"PROTO": map[string]any{
		"version":      map[string]any{"major": 8, "minor": 2, "micro": 0},
		"capabilities": []string{"oob"},
	}}); err != nil {
		return
	}

	negotiated := false
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		line = []byte(strings.TrimSpace(string(line)))
		if len(line) == 0 {
			continue
		}

		var req struct {
			Execute   string          `json:"execute"`
			ID        json.RawMessage `json:"id"`
			Arguments map[string]any  `json:"arguments"`
		}
		if err := json.Unmarshal(line, &req); err != nil || req.Execute == "" {
			_ = w.send(errorReply(nil, "GenericError", "malformed command"))
			continue
		}

		if !negotiated {
			if req.Execute != monitor.NegotiateCommand {
				_ = w.send(errorReply(req.ID, "CommandNotFound", "Negotiation mode still active"))
				continue
			}
			negotiated = true
			_ = w.send(reply(req.ID, map[string]any{}))
			continue
		}

		replies := s.handle(req.Execute, req.ID, req.Arguments)
		for _, m := range replies {
			if err := w.send(m); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(name string, id json.RawMessage, args map[string]any) []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, Command{Name: name, Args: args})

	var out []any
	if s.noisy {
		out = append(out, event("RTC_CHANGE", map[string]any{"offset": 0}))
	}
	if s.silent[name] {
		return out
	}
	if fail := s.failures[name]; fail != nil {
		return append(out, errorReply(id, fail.Class, fail.Desc))
	}

	switch name {
	case monitor.NegotiateCommand:
		return append(out, errorReply(id, "CommandNotFound", "Capabilities negotiation is already complete, command ignored"))
	case "device_add":
		return append(out, s.deviceAddLocked(id, args))
	case "device_del":
		devID, _ := args["id"].(string)
		if _, ok := s.findLocked(devID); !ok {
			return append(out, errorReply(id, monitor.ClassDeviceNotFound, "Device '"+devID+"' not found"))
		}
		s.removeLocked(devID)
		out = append(out, reply(id, map[string]any{}))
		if s.silent[monitor.EventDeviceDeleted] {
			return out
		}
		return append(out, event(monitor.EventDeviceDeleted, map[string]any{"device": devID, "path": "/machine/peripheral/" + devID}))
	case "device-list-properties":
		typename, _ := args["typename"].(string)
		dev, ok := s.findLocked(typename)
		if !ok {
			return append(out, errorReply(id, monitor.ClassDeviceNotFound, "Device '"+typename+"' not found"))
		}
		return append(out, reply(id, []map[string]any{
			{"name": "socket", "type": "str", "default-value": dev.Socket},
		}))
	case "query-pci":
		var tree []map[string]any
		names := make([]string, 0, len(s.buses))
		for b := range s.buses {
			names = append(names, b)
		}
		sort.Strings(names)
		for _, b := range names {
			tree = append(tree, map[string]any{"id": b, "children": s.buses[b]})
		}
		return append(out, reply(id, tree))
	default:
		return append(out, errorReply(id, "CommandNotFound", "The command "+name+" has not been found"))
	}
}

func (s *Server) deviceAddLocked(id json.RawMessage, args map[string]any) any {
	devID, _ := args["id"].(string)
	bus, _ := args["bus"].(string)
	socket, _ := args["socket"].(string)
	driver, _ := args["driver"].(string)
	if devID == "" || bus == "" || driver == "" {
		return errorReply(id, "GenericError", "Parameter 'id', 'bus' and 'driver' are required")
	}
	if _, ok := s.findLocked(devID); ok {
		return errorReply(id, "GenericError", "Duplicate device ID '"+devID+"'")
	}
	if _, ok := s.buses[bus]; !ok {
		return errorReply(id, "GenericError", "Bus '"+bus+"' not found")
	}
	s.buses[bus] = append(s.buses[bus], Device{ID: devID, Driver: driver, Socket: socket, Bus: bus})
	return reply(id, map[string]any{})
}

func (s *Server) findLocked(id string) (Device, bool) {
	for _, devs := range s.buses {
		for _, d := range devs {
			if d.ID == id {
				return d, true
			}
		}
	}
	return Device{}, false
}

func (s *Server) removeLocked(id string) {
	for b, devs := range s.buses {
		for i, d := range devs {
			if d.ID == id {
				s.buses[b] = append(devs[:i], devs[i+1:]...)
				return
			}
		}
	}
}

type writer struct {
	conn net.Conn
}

func (w *writer) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.conn.Write(append(data, '\r', '\n'))
	return err
}

func reply(id json.RawMessage, ret any) map[string]any {
	m := map[string]any{"return": ret}
	if id != nil {
		m["id"] = id
	}
	return m
}

func errorReply(id json.RawMessage, class, desc string) map[string]any {
	m := map[string]any{"error": map[string]any{"class": class, "desc": desc}}
	if id != nil {
		m["id"] = id
	}
	return m
}

func event(name string, data map[string]any) map[string]any {
	now := time.Now()
	return map[string]any{
		"event": name,
		"timestamp": map[string]any{
			"seconds":      now.Unix(),
			"microseconds": now.Nanosecond() / 1000,
		},
		"data": data,
	}
}

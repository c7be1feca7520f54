package libvirt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/logging"
	"github.com/jbweber/sma/internal/monitor"
)

// domainClient defines the libvirt operations needed to drive a domain's
// monitor.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type domainClient interface {
	// DomainLookupByName looks up a domain by name
	DomainLookupByName(name string) (libvirt.Domain, error)

	// QEMUDomainMonitorCommand runs a monitor command and returns the reply line
	QEMUDomainMonitorCommand(dom libvirt.Domain, cmd string, flags uint32) (string, error)

	// DomainGetXMLDesc returns the live domain XML
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)

	// SubscribeQEMUEvents streams monitor events of a domain until ctx is done
	SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error)
}

// dialFunc opens a libvirt connection. The closer releases it.
type dialFunc func(ctx context.Context) (domainClient, io.Closer, error)

// EmulatorConfig configures a libvirt passthrough emulator.
type EmulatorConfig struct {
	// Domain is the name of the guest whose monitor is used.
	Domain string
	// Socket is the libvirtd socket. Empty means DefaultSocket.
	Socket string
	// Timeout bounds connecting. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Emulator reaches a guest's emulation monitor through libvirtd instead of
// its monitor socket. Every Open connects to libvirtd anew.
type Emulator struct {
	domain string
	socket string
	dial   dialFunc
	log    *slog.Logger
}

// NewEmulator returns a passthrough emulator for cfg.Domain.
func NewEmulator(cfg EmulatorConfig, log *slog.Logger) *Emulator {
	e := &Emulator{
		domain: cfg.Domain,
		socket: cfg.Socket,
		log:    logging.OrNop(log).With("emulator", "libvirt", "domain", cfg.Domain),
	}
	if e.socket == "" {
		e.socket = DefaultSocket
	}
	e.dial = func(ctx context.Context) (domainClient, io.Closer, error) {
		c, err := ConnectWithContext(ctx, e.socket, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return c.Libvirt(), c, nil
	}
	return e
}

func (e *Emulator) String() string {
	return fmt.Sprintf("libvirt:%s@%s", e.domain, e.socket)
}

// Open connects to libvirtd, resolves the domain and subscribes to its
// monitor events. Events emitted from then on are visible to WaitEvent.
func (e *Emulator) Open(ctx context.Context) (device.EmulatorSession, error) {
	client, closer, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}

	dom, err := client.DomainLookupByName(e.domain)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to look up domain %s: %w", e.domain, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	events, err := client.SubscribeQEMUEvents(subCtx, e.domain)
	if err != nil {
		cancel()
		_ = closer.Close()
		return nil, fmt.Errorf("failed to subscribe to events of %s: %w", e.domain, err)
	}

	e.log.Debug("opened libvirt monitor session")
	return &Session{
		client: client,
		closer: closer,
		dom:    dom,
		events: events,
		cancel: cancel,
		log:    e.log,
	}, nil
}

// Session is a monitor session passed through libvirtd. It implements
// monitor.Executor and device.BusChecker.
type Session struct {
	client domainClient
	closer io.Closer
	dom    libvirt.Domain
	events <-chan libvirt.DomainEvent
	cancel context.CancelFunc
	log    *slog.Logger

	mu      sync.Mutex
	backlog []monitor.Event
	closed  bool
}

// Exec runs cmd through the passthrough and decodes its reply.
func (s *Session) Exec(ctx context.Context, cmd string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, monitor.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", monitor.ErrTimeout, err)
	}

	line, err := monitor.EncodeCommand(cmd, args)
	if err != nil {
		return nil, err
	}
	reply, err := s.client.QEMUDomainMonitorCommand(s.dom, line, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s through libvirt: %w", monitor.ErrSocket, cmd, err)
	}
	s.log.Debug("executed monitor command", "command", cmd)
	return monitor.ParseReply([]byte(reply))
}

// WaitEvent blocks until a matching event arrives or ctx is done.
func (s *Session) WaitEvent(ctx context.Context, name string, data map[string]any) (*monitor.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, monitor.ErrClosed
	}

	for i := range s.backlog {
		if monitor.MatchEvent(&s.backlog[i], name, data) {
			ev := s.backlog[i]
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return &ev, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %w", monitor.ErrTimeout, name, ctx.Err())
		case de, ok := <-s.events:
			if !ok {
				return nil, fmt.Errorf("%w: event stream closed", monitor.ErrSocket)
			}
			ev := convertEvent(de)
			if monitor.MatchEvent(&ev, name, data) {
				return &ev, nil
			}
			s.backlog = append(s.backlog, ev)
			if len(s.backlog) > maxBacklog {
				s.backlog = s.backlog[1:]
			}
		}
	}
}

// CheckBus verifies the live domain has a controller aliased bus.
func (s *Session) CheckBus(ctx context.Context, bus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return monitor.ErrClosed
	}

	desc, err := s.client.DomainGetXMLDesc(s.dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get domain XML: %w", err)
	}
	var def libvirtxml.Domain
	if err := def.Unmarshal(desc); err != nil {
		return fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if def.Devices == nil {
		return fmt.Errorf("domain %s has no devices", def.Name)
	}
	for _, c := range def.Devices.Controllers {
		if c.Alias != nil && c.Alias.Name == bus {
			return nil
		}
	}
	return fmt.Errorf("domain %s has no controller %q", def.Name, bus)
}

// Close ends the event subscription and the libvirt connection. It is safe
// to call Close multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.closer.Close()
}

// maxBacklog bounds the events kept while waiting for another one.
const maxBacklog = 32

func convertEvent(de libvirt.DomainEvent) monitor.Event {
	ev := monitor.Event{Name: de.Event}
	if len(de.Details) > 0 {
		var data map[string]any
		if err := json.Unmarshal(de.Details, &data); err == nil {
			ev.Data = data
		}
	}
	ts, _ := json.Marshal(map[string]any{"seconds": de.Seconds, "microseconds": de.Microseconds})
	ev.Timestamp = ts
	return ev
}

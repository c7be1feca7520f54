// Package monitor is a client for the line-delimited JSON device emulation
// monitor protocol.
//
// A connection starts with a greeting line from the server. The client then
// issues negotiate_capabilities exactly once and may execute commands:
//
//	-> {"execute": "negotiate_capabilities", "id": "1"}
//	<- {"return": {}, "id": "1"}
//	-> {"execute": "device_add", "id": "2", "arguments": {...}}
//	<- {"event": "DEVICE_ADDED", "timestamp": {...}, "data": {...}}
//	<- {"return": {}, "id": "2"}
//
// Events may arrive at any time and are skipped while a command reply is
// awaited. A Session is only handed out once negotiation succeeded, so Exec
// is never reachable on an unnegotiated connection.
package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jbweber/sma/internal/logging"
)

// DefaultTimeout is the connection timeout used when none is configured.
// Receives are bounded by twice this value.
const DefaultTimeout = 8 * time.Second

// NegotiateCommand is the command that leaves negotiation mode.
const NegotiateCommand = "negotiate_capabilities"

// maxBacklog bounds the events remembered while waiting for command replies.
const maxBacklog = 32

var (
	// ErrSocket wraps connection, read and write failures.
	ErrSocket = errors.New("monitor socket error")
	// ErrDecode marks a line that is not valid JSON.
	ErrDecode = errors.New("monitor message decode failed")
	// ErrProtocol marks a message that violates the protocol, such as a reply
	// to a request that was not issued.
	ErrProtocol = errors.New("monitor protocol error")
	// ErrTimeout marks a receive that hit its deadline.
	ErrTimeout = errors.New("monitor receive timed out")
	// ErrClosed is returned by calls on a closed Session.
	ErrClosed = errors.New("monitor session closed")
	// ErrAlreadyNegotiated is returned when the negotiation command is
	// executed on a Ready session.
	ErrAlreadyNegotiated = errors.New("capabilities already negotiated")
)

// RequestError is an error reply to a command.
type RequestError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("monitor error %s: %s", e.Class, e.Desc)
}

// IsClass reports whether err is a *RequestError of class.
func IsClass(err error, class string) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Class == class
}

// Event is an asynchronous notification from the server.
type Event struct {
	Name      string          `json:"event"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

type message struct {
	Proto     json.RawMessage `json:"PROTO"`
	ID        json.RawMessage `json:"id"`
	Return    json.RawMessage `json:"return"`
	Error     *RequestError   `json:"error"`
	Event     string          `json:"event"`
	Timestamp json.RawMessage `json:"timestamp"`
	Data      map[string]any  `json:"data"`
}

func (m *message) id() (string, bool) {
	if len(m.ID) == 0 || bytes.Equal(m.ID, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s, true
	}
	return string(m.ID), true
}

type command struct {
	Execute   string         `json:"execute"`
	ID        string         `json:"id"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// eventWait describes an event a receive may return.
type eventWait struct {
	name string
	data map[string]any
}

func (w *eventWait) matches(ev *Event) bool {
	return ev.Name == w.name && dataContains(ev.Data, w.data)
}

// Session is a negotiated connection in the Ready state.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	lastID   int
	greeting json.RawMessage
	backlog  []Event
	closed   bool
}

// Dial connects to the server at address and negotiates capabilities. network
// is "unix" or "tcp". A zero timeout selects DefaultTimeout.
func Dial(ctx context.Context, network, address string, timeout time.Duration, log *slog.Logger) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", ErrSocket, address, err)
	}
	s, err := Negotiate(ctx, conn, timeout, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Negotiate reads the greeting from conn and leaves negotiation mode. On
// success the returned Session owns conn; on failure the caller still does.
func Negotiate(ctx context.Context, conn net.Conn, timeout time.Duration, log *slog.Logger) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
		log:     logging.OrNop(log),
	}

	stop := s.watch(ctx)
	defer stop()

	greeting, err := s.readMessage(ctx, s.deadline(ctx))
	if err != nil {
		return nil, err
	}
	if len(greeting.Proto) == 0 {
		return nil, fmt.Errorf("%w: expected greeting, got %s", ErrProtocol, describe(greeting))
	}
	s.greeting = greeting.Proto

	if _, err := s.execLocked(ctx, NegotiateCommand, nil); err != nil {
		return nil, fmt.Errorf("failed to negotiate capabilities: %w", err)
	}
	return s, nil
}

// Greeting returns the capabilities object the server sent on connect.
func (s *Session) Greeting() json.RawMessage {
	return s.greeting
}

// Exec runs command and returns the contents of its return member. Empty
// args are omitted from the request.
func (s *Session) Exec(ctx context.Context, cmd string, args map[string]any) (json.RawMessage, error) {
	if cmd == NegotiateCommand {
		return nil, ErrAlreadyNegotiated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	stop := s.watch(ctx)
	defer stop()

	return s.execLocked(ctx, cmd, args)
}

// WaitEvent blocks until an event called name arrives whose data contains
// every key of data with an equal value. Events that arrived during earlier
// Exec calls are considered first.
func (s *Session) WaitEvent(ctx context.Context, name string, data map[string]any) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	wait := &eventWait{name: name, data: data}
	for i := range s.backlog {
		if wait.matches(&s.backlog[i]) {
			ev := s.backlog[i]
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return &ev, nil
		}
	}

	stop := s.watch(ctx)
	defer stop()

	msg, err := s.receive(ctx, "", wait)
	if err != nil {
		return nil, err
	}
	return &Event{Name: msg.Event, Timestamp: msg.Timestamp, Data: msg.Data}, nil
}

// Close releases the connection. It is safe to call Close multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close monitor connection: %w", err)
	}
	return nil
}

func (s *Session) execLocked(ctx context.Context, cmd string, args map[string]any) (json.RawMessage, error) {
	s.lastID++
	id := strconv.Itoa(s.lastID)

	req := command{Execute: cmd, ID: id}
	if len(args) > 0 {
		req.Arguments = args
	}
	if err := s.send(req); err != nil {
		return nil, err
	}

	msg, err := s.receive(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Return, nil
}

func (s *Session) send(req command) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", req.Execute, err)
	}
	s.log.Debug("monitor send", "command", req.Execute, "id", req.ID)

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}
	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: failed to send %s: %v", ErrSocket, req.Execute, err)
	}
	return nil
}

// receive reads lines until it finds the reply to id, or an event matching
// wait when id is empty. Event lines that do not satisfy wait are kept in the
// backlog and skipped.
func (s *Session) receive(ctx context.Context, id string, wait *eventWait) (*message, error) {
	deadline := s.deadline(ctx)
	for {
		msg, err := s.readMessage(ctx, deadline)
		if err != nil {
			return nil, err
		}

		gotID, hasID := msg.id()
		if msg.Event != "" && !hasID {
			ev := Event{Name: msg.Event, Timestamp: msg.Timestamp, Data: msg.Data}
			if wait != nil && wait.matches(&ev) {
				return msg, nil
			}
			s.log.Debug("monitor event skipped", "event", msg.Event)
			s.remember(ev)
			continue
		}

		if !hasID {
			return nil, fmt.Errorf("%w: unexpected message %s", ErrProtocol, describe(msg))
		}
		if id == "" || gotID != id {
			return nil, fmt.Errorf("%w: reply id %q does not match request id %q", ErrProtocol, gotID, id)
		}
		return msg, nil
	}
}

func (s *Session) readMessage(ctx context.Context, deadline time.Time) (*message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && len(bytes.TrimSpace(line)) == 0 {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
				}
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("%w: read failed: %v", ErrSocket, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		s.log.Debug("monitor receive", "line", string(line))

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return &msg, nil
	}
}

// deadline is twice the connection timeout from now, or the context
// deadline when that is earlier.
func (s *Session) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(2 * s.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

// watch unblocks pending reads when ctx is cancelled.
func (s *Session) watch(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	return func() { stop() }
}

func (s *Session) remember(ev Event) {
	if len(s.backlog) >= maxBacklog {
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, ev)
}

func describe(msg *message) string {
	data, err := json.Marshal(msg)
	if err != nil {
		return "<unprintable>"
	}
	return string(data)
}

// dataContains reports whether got holds every key of want with an equal
// value. Values are compared by their JSON encoding so numbers decoded as
// float64 still equal their integer counterparts.
func dataContains(got, want map[string]any) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok {
			return false
		}
		wj, err1 := json.Marshal(wv)
		gj, err2 := json.Marshal(gv)
		if err1 != nil || err2 != nil || !bytes.Equal(wj, gj) {
			return false
		}
	}
	return true
}

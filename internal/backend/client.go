// Package backend talks to the storage backend's JSON-RPC 2.0 socket.
//
// Client moves raw requests over the socket; API layers typed NVMe-oF and
// bdev calls on top of any Caller, which lets tests substitute the in-memory
// backend in backendtest.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jbweber/sma/internal/logging"
)

// DefaultSocket is the backend RPC socket used when none is configured.
const DefaultSocket = "/var/tmp/spdk.sock"

// DefaultTimeout bounds a single backend call when the context has no deadline.
const DefaultTimeout = 60 * time.Second

// Caller is the opaque call(method, params) -> result collaborator. Params is
// marshalled as the JSON-RPC params member and may be nil. When result is
// non-nil the reply's result member is unmarshalled into it.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Error is a JSON-RPC error reply from the backend.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("backend client closed")

type request struct {
	Version string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int    `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Client is a JSON-RPC 2.0 client for the backend socket. It dials lazily,
// runs one call at a time, and drops the connection after any transport
// error so the next call redials.
type Client struct {
	network string
	address string
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	dec    *json.Decoder
	nextID int
	closed bool
}

// NewClient returns a client for address. Paths are dialed as unix sockets,
// anything else as host:port over tcp.
func NewClient(address string, timeout time.Duration, log *slog.Logger) *Client {
	if address == "" {
		address = DefaultSocket
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	network := "unix"
	if !strings.HasPrefix(address, "/") && !strings.HasPrefix(address, "@") && strings.Contains(address, ":") {
		network = "tcp"
	}
	return &Client{
		network: network,
		address: address,
		timeout: timeout,
		log:     logging.OrNop(log),
	}
}

// Address returns the dialed address.
func (c *Client) Address() string {
	return c.address
}

// Call issues method and waits for its reply.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.dropLocked()
		return fmt.Errorf("failed to set deadline on %s: %w", c.address, err)
	}

	c.nextID++
	req := request{Version: "2.0", Method: method, ID: c.nextID, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	c.log.Debug("backend request", "method", method, "id", req.ID)
	if _, err := c.conn.Write(data); err != nil {
		c.dropLocked()
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		c.dropLocked()
		return fmt.Errorf("failed to read %s reply: %w", method, err)
	}
	if resp.ID != req.ID {
		c.dropLocked()
		return fmt.Errorf("%s reply id %d does not match request id %d", method, resp.ID, req.ID)
	}
	if resp.Error != nil {
		c.log.Debug("backend error", "method", method, "code", resp.Error.Code, "message", resp.Error.Message)
		return resp.Error
	}

	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// Close closes the connection. It is safe to call Close multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.dec = nil
	if err != nil {
		return fmt.Errorf("failed to close backend connection: %w", err)
	}
	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to backend at %s: %w", c.address, err)
	}
	c.conn = conn
	c.dec = json.NewDecoder(conn)
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.dec = nil
}

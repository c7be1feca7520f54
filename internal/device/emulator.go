package device

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/jbweber/sma/internal/logging"
	"github.com/jbweber/sma/internal/monitor"
)

// SocketEmulator dials the emulator's monitor socket directly.
type SocketEmulator struct {
	network string
	address string
	timeout time.Duration
	log     *slog.Logger
}

// NewSocketEmulator returns an emulator reached over tcp at address:port, or
// over the unix socket at address when port is zero.
func NewSocketEmulator(address string, port int, timeout time.Duration, log *slog.Logger) *SocketEmulator {
	e := &SocketEmulator{
		network: "unix",
		address: address,
		timeout: timeout,
		log:     logging.OrNop(log),
	}
	if port > 0 {
		e.network = "tcp"
		e.address = net.JoinHostPort(address, strconv.Itoa(port))
	}
	return e
}

// Open connects and negotiates a new session.
func (e *SocketEmulator) Open(ctx context.Context) (EmulatorSession, error) {
	e.log.Debug("opening monitor session", "network", e.network, "address", e.address)
	s, err := monitor.Dial(ctx, e.network, e.address, e.timeout, e.log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// String describes the endpoint for logs.
func (e *SocketEmulator) String() string {
	return e.network + ":" + e.address
}

package device

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jbweber/sma/internal/backend"
	"github.com/jbweber/sma/internal/backend/backendtest"
	"github.com/jbweber/sma/internal/monitor"
	"github.com/jbweber/sma/internal/monitor/monitortest"
)

// mockEmulator is a mock implementation of the Emulator interface for testing.
type mockEmulator struct {
	mu sync.Mutex

	// Configurable behavior
	openFunc func(ctx context.Context) (EmulatorSession, error)

	// Call tracking
	openCalls int
}

func (m *mockEmulator) Open(ctx context.Context) (EmulatorSession, error) {
	m.mu.Lock()
	m.openCalls++
	m.mu.Unlock()
	return m.openFunc(ctx)
}

func (m *mockEmulator) opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls
}

// newPipeEmulator returns an emulator whose sessions are served by srv over
// in-memory pipes.
func newPipeEmulator(t *testing.T, srv *monitortest.Server) *mockEmulator {
	t.Helper()
	t.Cleanup(srv.Close)
	return &mockEmulator{
		openFunc: func(ctx context.Context) (EmulatorSession, error) {
			client, server := net.Pipe()
			go srv.ServeConn(server)
			s, err := monitor.Negotiate(ctx, client, time.Second, nil)
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			return s, nil
		},
	}
}

// mockBusSession wraps a session and adds a configurable bus check.
type mockBusSession struct {
	EmulatorSession

	checkBusFunc  func(ctx context.Context, bus string) error
	checkBusCalls []string
}

func (m *mockBusSession) CheckBus(ctx context.Context, bus string) error {
	m.checkBusCalls = append(m.checkBusCalls, bus)
	return m.checkBusFunc(ctx, bus)
}

// newFakeAPI returns a backend API over an empty in-memory backend.
func newFakeAPI() (*backendtest.Fake, *backend.API) {
	fake := backendtest.New()
	return fake, backend.NewAPI(fake)
}

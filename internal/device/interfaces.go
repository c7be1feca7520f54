package device

import (
	"context"

	"github.com/jbweber/sma/internal/backend"
	"github.com/jbweber/sma/internal/monitor"
)

// backendAPI defines the storage backend operations device managers need.
//
// In production, this is satisfied by *backend.API.
// In tests, this is satisfied by *backend.API over backendtest.Fake.
type backendAPI interface {
	HasTransport(ctx context.Context, trtype string) (bool, error)
	CreateTransport(ctx context.Context, trtype string, params map[string]any) error

	GetSubsystem(ctx context.Context, nqn string) (*backend.Subsystem, error)
	CreateSubsystem(ctx context.Context, nqn string, allowAnyHost bool) error
	DeleteSubsystem(ctx context.Context, nqn string) error
	AddListener(ctx context.Context, nqn string, addr backend.Address) error
	AllowAnyHost(ctx context.Context, nqn string, allow bool) error
	AddHost(ctx context.Context, nqn, host string) error
	RemoveHost(ctx context.Context, nqn, host string) error
	AddNamespace(ctx context.Context, nqn, bdev string) (int, error)
	RemoveNamespace(ctx context.Context, nqn string, nsid int) error

	GetBdevs(ctx context.Context) ([]backend.Bdev, error)
	FindBdev(ctx context.Context, uuid string) (*backend.Bdev, error)

	GetControllers(ctx context.Context) ([]backend.Controller, error)
	AttachController(ctx context.Context, name string, addr backend.Address) ([]string, error)
	DetachController(ctx context.Context, name string) error
}

// Emulator opens sessions to a device emulation front-end. A session is
// opened per logical operation and closed before the operation returns.
//
// In production, this is satisfied by *SocketEmulator or by the libvirt
// passthrough in internal/libvirt.
type Emulator interface {
	Open(ctx context.Context) (EmulatorSession, error)
}

// EmulatorSession is a Ready monitor connection.
type EmulatorSession interface {
	monitor.Executor
	Close() error
}

// BusChecker is implemented by sessions that can confirm a hot-plug bus
// exists before a device is added to it.
type BusChecker interface {
	CheckBus(ctx context.Context, bus string) error
}

package libvirt

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockDomainClient is a mock implementation of the domainClient interface for testing.
type mockDomainClient struct {
	mu sync.Mutex

	// Configurable behavior
	domainLookupByNameFunc       func(name string) (libvirt.Domain, error)
	qemuDomainMonitorCommandFunc func(dom libvirt.Domain, cmd string, flags uint32) (string, error)
	domainGetXMLDescFunc         func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	subscribeQEMUEventsFunc      func(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error)

	// Call tracking
	domainLookupByNameCalls       []string
	qemuDomainMonitorCommandCalls []string
	domainGetXMLDescCalls         []libvirt.Domain
	subscribeQEMUEventsCalls      []string
}

// newMockDomainClient creates a mock with a running domain called name and
// an event channel the test feeds.
func newMockDomainClient(name string, events chan libvirt.DomainEvent) *mockDomainClient {
	m := &mockDomainClient{}

	m.domainLookupByNameFunc = func(n string) (libvirt.Domain, error) {
		if n != name {
			return libvirt.Domain{}, fmt.Errorf("Domain not found: no domain with matching name '%s'", n)
		}
		return libvirt.Domain{Name: n}, nil
	}
	m.qemuDomainMonitorCommandFunc = func(dom libvirt.Domain, cmd string, flags uint32) (string, error) {
		return `{"return": {}, "id": "libvirt-1"}`, nil
	}
	m.domainGetXMLDescFunc = func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
		return `<domain type="kvm"><name>` + dom.Name + `</name></domain>`, nil
	}
	m.subscribeQEMUEventsFunc = func(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error) {
		return events, nil
	}

	return m
}

func (m *mockDomainClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	m.domainLookupByNameCalls = append(m.domainLookupByNameCalls, name)
	m.mu.Unlock()
	return m.domainLookupByNameFunc(name)
}

func (m *mockDomainClient) QEMUDomainMonitorCommand(dom libvirt.Domain, cmd string, flags uint32) (string, error) {
	m.mu.Lock()
	m.qemuDomainMonitorCommandCalls = append(m.qemuDomainMonitorCommandCalls, cmd)
	m.mu.Unlock()
	return m.qemuDomainMonitorCommandFunc(dom, cmd, flags)
}

func (m *mockDomainClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	m.domainGetXMLDescCalls = append(m.domainGetXMLDescCalls, dom)
	m.mu.Unlock()
	return m.domainGetXMLDescFunc(dom, flags)
}

func (m *mockDomainClient) SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error) {
	m.mu.Lock()
	m.subscribeQEMUEventsCalls = append(m.subscribeQEMUEventsCalls, domain)
	m.mu.Unlock()
	return m.subscribeQEMUEventsFunc(ctx, domain)
}

func (m *mockDomainClient) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.qemuDomainMonitorCommandCalls...)
}

// mockCloser counts Close calls.
type mockCloser struct {
	mu     sync.Mutex
	closed int
}

func (c *mockCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *mockCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// newTestEmulator returns an emulator for domain name that dials client.
func newTestEmulator(name string, client domainClient, closer io.Closer) *Emulator {
	e := NewEmulator(EmulatorConfig{Domain: name}, nil)
	e.dial = func(ctx context.Context) (domainClient, io.Closer, error) {
		return client, closer, nil
	}
	return e
}

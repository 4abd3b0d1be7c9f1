// Package bans keeps the addresses of the banned peers.
package bans

import (
	"context"
	"net"
	"sort"
	"sync"
)

// List is the set of banned IPs.
type List interface {
	Contains(ip string) bool
	Ban(ctx context.Context, ip string) error
	Unban(ctx context.Context, ip string) error
	All() []string
	Close() error
}

// IP returns the host part of the address.
func IP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// NewMemory returns ban list which is lost when the process exits.
func NewMemory() *Memory {
	return &Memory{
		ips: map[string]struct{}{},
	}
}

// Memory is the in-memory ban list.
type Memory struct {
	mu  sync.RWMutex
	ips map[string]struct{}
}

// Contains checks if ip is banned.
func (m *Memory) Contains(ip string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.ips[ip]
	return exists
}

// Ban adds ip to the list.
func (m *Memory) Ban(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ips[ip] = struct{}{}
	return nil
}

// Unban removes ip from the list.
func (m *Memory) Unban(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.ips, ip)
	return nil
}

// All returns banned ips in sorted order.
func (m *Memory) All() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ips := make([]string, 0, len(m.ips))
	for ip := range m.ips {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// Close does nothing.
func (m *Memory) Close() error {
	return nil
}

package config

import (
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// ProxyFunc returns the upstream proxy for a host:port, or nil to connect
// directly.
type ProxyFunc func(addr string) (*url.URL, error)

// DynamicConfig allows the upstream selection to change while the proxy
// server runs, e.g. when the PAC file stops being reachable.
type DynamicConfig struct {
	mu sync.Mutex
	pc atomic.Value
}

// NewDynamic creates a DynamicConfig selecting with proxy.
func NewDynamic(proxy ProxyFunc, noProxy []string) *DynamicConfig {
	c := &DynamicConfig{}
	c.pc.Store(&selection{
		Func:    proxy,
		NoProxy: hostSet(noProxy),
	})
	return c
}

func hostSet(hosts []string) map[string]struct{} {
	m := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		m[strings.TrimSpace(strings.ToLower(h))] = struct{}{}
	}
	return m
}

// SetNoProxy sets the list of hosts which should never be proxied
func (c *DynamicConfig) SetNoProxy(hosts []string) {
	c.update(func(s *selection) { s.NoProxy = hostSet(hosts) })
}

// SetProxyEnabled sets whether the proxy is enabled or all connections should be direct
func (c *DynamicConfig) SetProxyEnabled(enabled bool) {
	c.update(func(s *selection) { s.Disabled = !enabled })
}

// SetProxy sets the selection function
func (c *DynamicConfig) SetProxy(proxy ProxyFunc) {
	c.update(func(s *selection) { s.Func = proxy })
}

// Proxy selects the upstream proxy for addr.
func (c *DynamicConfig) Proxy(addr string) (*url.URL, error) {
	return c.load().Proxy(addr)
}

func (c *DynamicConfig) update(f func(s *selection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := *c.load()
	f(&s)
	c.pc.Store(&s)
}

func (c *DynamicConfig) load() *selection {
	if s, ok := c.pc.Load().(*selection); ok {
		return s
	}
	return &selection{}
}

type selection struct {
	Func     ProxyFunc
	Disabled bool
	NoProxy  map[string]struct{}
}

func (s *selection) Proxy(addr string) (*url.URL, error) {
	if s.Func == nil || s.Disabled {
		return nil, nil
	}
	host := strings.TrimSpace(strings.ToLower(addr))
	if _, ok := s.NoProxy[host]; ok {
		return nil, nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		if _, ok := s.NoProxy[h]; ok {
			return nil, nil
		}
	}
	return s.Func(addr)
}

// Static always selects u.
func Static(u *url.URL) ProxyFunc {
	return func(string) (*url.URL, error) {
		return u, nil
	}
}

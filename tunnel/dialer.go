package tunnel

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/justenwalker/proxytunnel/auth"
)

func init() {
	proxy.RegisterDialerType("http", FromURL)
	proxy.RegisterDialerType("https", FromURL)
}

// Dialer connects to addresses through a CONNECT tunnel opened on an HTTP
// proxy. It implements proxy.Dialer and proxy.ContextDialer.
type Dialer struct {
	// ProxyAddr is the host:port of the proxy.
	ProxyAddr string
	// TLS, when set, encrypts the connection to the proxy itself.
	TLS *tls.Config
	// Forward dials the proxy. Defaults to proxy.Direct.
	Forward    proxy.Dialer
	Negotiator *Negotiator
}

var (
	_ proxy.Dialer        = (*Dialer)(nil)
	_ proxy.ContextDialer = (*Dialer)(nil)
)

// proxyHost adds the default port of the URL scheme when u has none.
func proxyHost(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// FromURL builds a Dialer for an http or https proxy URL. It is registered
// with proxy.RegisterDialerType.
func FromURL(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	d, err := NewDialer(u, forward)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// NewDialer builds a Dialer for an http or https proxy URL. User info becomes
// the credentials; a DOMAIN\user name sets the domain. The "auth" query
// parameter names a scheme to send before the first challenge.
func NewDialer(u *url.URL, forward proxy.Dialer) (*Dialer, error) {
	if u.Hostname() == "" {
		return nil, errors.Errorf("proxy url '%s': missing host", u.Redacted())
	}
	d := &Dialer{
		ProxyAddr:  proxyHost(u),
		Forward:    forward,
		Negotiator: &Negotiator{},
	}
	if u.Scheme == "https" {
		d.TLS = &tls.Config{ServerName: u.Hostname()}
	}
	if u.User != nil {
		creds := auth.Credentials{Username: u.User.Username()}
		creds.Password, _ = u.User.Password()
		if i := strings.IndexByte(creds.Username, '\\'); i >= 0 {
			creds.Domain, creds.Username = creds.Username[:i], creds.Username[i+1:]
		}
		d.Negotiator.Credentials = creds
	}
	if name := u.Query().Get("auth"); name != "" {
		s := auth.ParseScheme(name)
		if !s.Preemptive() {
			return nil, errors.Errorf("proxy url '%s': scheme '%s' cannot be sent before a challenge", u.Redacted(), name)
		}
		d.Negotiator.Scheme = s
	}
	return d, nil
}

// Dial connects to addr through the proxy.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *Dialer) forward(ctx context.Context, network, addr string) (net.Conn, error) {
	fwd := d.Forward
	if fwd == nil {
		fwd = proxy.Direct
	}
	if cd, ok := fwd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return fwd.Dial(network, addr)
}

// DialContext connects to addr through the proxy. ctx bounds both the
// connection to the proxy and the negotiation.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, errors.Errorf("network '%s' cannot be tunneled", network)
	}
	dest, err := ParseDestination(addr)
	if err != nil {
		return nil, err
	}
	c, err := d.forward(ctx, network, d.ProxyAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial proxy %s", d.ProxyAddr)
	}
	if d.TLS != nil {
		tc := tls.Client(c, d.TLS)
		if err := tc.HandshakeContext(ctx); err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "tls handshake with proxy %s", d.ProxyAddr)
		}
		c = tc
	}
	n := d.Negotiator
	if n == nil {
		n = &Negotiator{}
	}
	rw, err := n.Negotiate(ctx, c, dest)
	if err != nil {
		return nil, err
	}
	return rw.(net.Conn), nil
}

// UseNegotiator replaces the negotiator built from the proxy URL with a copy
// of n. Credentials and scheme from the URL are kept when n has none.
func (d *Dialer) UseNegotiator(n *Negotiator) {
	c := *n
	if d.Negotiator != nil {
		if c.Credentials.Empty() {
			c.Credentials = d.Negotiator.Credentials
		}
		if c.Scheme == auth.SchemeUnknown {
			c.Scheme = d.Negotiator.Scheme
		}
	}
	d.Negotiator = &c
}

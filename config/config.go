// Package config loads the proxy, credential and listener settings shared by
// the commands.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/justenwalker/proxytunnel/auth"
	"github.com/justenwalker/proxytunnel/tunnel"
)

const (
	DefaultService     = "proxytunnel"
	DefaultListen      = "localhost:8800"
	DefaultPACInterval = 10 * time.Second

	envPrefix = "PROXYTUNNEL_"
)

// Header is an extra header sent with every CONNECT request.
type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Config is the complete configuration. Zero values mean "not set" so a file,
// the environment and flags can be layered.
type Config struct {
	// Proxy is the upstream proxy URL, http://host:port or https://host:port.
	Proxy string `yaml:"proxy"`
	// PAC is the URL of a proxy auto config file choosing the proxy per host.
	PAC         string        `yaml:"pac"`
	PACInterval time.Duration `yaml:"pac_interval"`
	// NoProxy lists hosts that are always reached directly.
	NoProxy []string `yaml:"no_proxy"`
	// Listen is the address of the local proxy server.
	Listen string `yaml:"listen"`

	// Service is the keyring service the password is stored under.
	Service     string `yaml:"service"`
	Username    string `yaml:"username"`
	Password    string `yaml:"-"`
	Domain      string `yaml:"domain"`
	Workstation string `yaml:"workstation"`
	// Scheme sends credentials before the first challenge: basic or ntlm.
	Scheme string `yaml:"scheme"`
	NTLMv2 bool   `yaml:"ntlmv2"`

	Headers []Header `yaml:"headers"`
	Verbose bool     `yaml:"verbose"`
}

// Default returns a Config with the defaults filled in.
func Default() *Config {
	return &Config{
		Service:     DefaultService,
		Listen:      DefaultListen,
		PACInterval: DefaultPACInterval,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "parse config '%s'", path)
	}
	return c, nil
}

// ApplyEnv overrides settings from PROXYTUNNEL_* variables. lookup is
// os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PROXY":       &c.Proxy,
		"PAC":         &c.PAC,
		"LISTEN":      &c.Listen,
		"SERVICE":     &c.Service,
		"USERNAME":    &c.Username,
		"PASSWORD":    &c.Password,
		"DOMAIN":      &c.Domain,
		"WORKSTATION": &c.Workstation,
		"SCHEME":      &c.Scheme,
	}
	for name, p := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*p = v
		}
	}
	if v, ok := lookup(envPrefix + "NO_PROXY"); ok {
		c.NoProxy = splitList(v)
	}
	if v, ok := lookup(envPrefix + "NTLMV2"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sNTLMV2", envPrefix)
		}
		c.NTLMv2 = b
	}
	if v, ok := lookup(envPrefix + "PAC_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%sPAC_INTERVAL", envPrefix)
		}
		c.PACInterval = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks the settings that can be checked without I/O.
func (c *Config) Validate() error {
	if c.Proxy != "" {
		if _, err := c.ProxyURL(); err != nil {
			return err
		}
	}
	if c.PAC != "" {
		if _, err := url.Parse(c.PAC); err != nil {
			return errors.Wrap(err, "pac url")
		}
		if c.PACInterval <= 0 {
			return errors.Errorf("pac interval must be positive, got %v", c.PACInterval)
		}
	}
	if _, err := c.AuthScheme(); err != nil {
		return err
	}
	return nil
}

// ProxyURL parses Proxy. It returns nil when no proxy is configured.
func (c *Config) ProxyURL() (*url.URL, error) {
	if c.Proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(c.Proxy)
	if err != nil {
		return nil, errors.Wrap(err, "proxy url")
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, errors.Errorf("proxy url '%s': scheme must be http or https", u.Redacted())
	}
	if u.Hostname() == "" {
		return nil, errors.Errorf("proxy url '%s': missing host", u.Redacted())
	}
	return u, nil
}

// AuthScheme returns the scheme to send before the first challenge.
func (c *Config) AuthScheme() (auth.Scheme, error) {
	if c.Scheme == "" {
		return auth.SchemeUnknown, nil
	}
	s := auth.ParseScheme(c.Scheme)
	if !s.Preemptive() {
		return auth.SchemeUnknown, errors.Errorf("scheme '%s' cannot be sent before a challenge; use basic or ntlm", c.Scheme)
	}
	return s, nil
}

// TunnelHeaders converts Headers for the negotiator.
func (c *Config) TunnelHeaders() []tunnel.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	hs := make([]tunnel.Header, 0, len(c.Headers))
	for _, h := range c.Headers {
		hs = append(hs, tunnel.Header{Name: h.Name, Value: h.Value})
	}
	return hs
}

// Negotiator builds the negotiator for the configured credentials.
func (c *Config) Negotiator(creds auth.Credentials, logger log.Interface) (*tunnel.Negotiator, error) {
	scheme, err := c.AuthScheme()
	if err != nil {
		return nil, err
	}
	return &tunnel.Negotiator{
		Credentials: creds,
		Scheme:      scheme,
		NTLMv2:      c.NTLMv2,
		Headers:     c.TunnelHeaders(),
		Logger:      logger,
	}, nil
}

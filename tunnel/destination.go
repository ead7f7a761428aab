package tunnel

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPort is used when a Destination has no port.
const DefaultPort = 443

// Destination is the host and port the proxy is asked to connect to.
type Destination struct {
	Host string
	Port int
}

func (d Destination) port() int {
	if d.Port == 0 {
		return DefaultPort
	}
	return d.Port
}

// String returns host:port, bracketing IPv6 hosts.
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.port()))
}

// ParseDestination parses "host" or "host:port".
func ParseDestination(addr string) (Destination, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// no port
		if _, err2 := strconv.Atoi(addr); addr == "" || err2 == nil {
			return Destination{}, errors.Wrapf(err, "destination '%s'", addr)
		}
		return Destination{Host: strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")}, nil
	}
	if host == "" {
		return Destination{}, errors.Errorf("destination '%s': missing host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Destination{}, errors.Errorf("destination '%s': invalid port '%s'", addr, port)
	}
	return Destination{Host: host, Port: p}, nil
}

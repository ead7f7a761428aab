package proxy

import (
	stdlog "log"

	"github.com/apex/log"

	"github.com/justenwalker/proxytunnel/config"
	"github.com/justenwalker/proxytunnel/logging"
	"github.com/justenwalker/proxytunnel/tunnel"
)

// Option configures the proxy server
type Option func(srv *Server)

// Proxy is an option that controls which upstream proxy is used for each destination
// The proxy function may return a nil URL which indicates a direct connection should be made.
func Proxy(proxy config.ProxyFunc) Option {
	return func(s *Server) {
		s.proxyFunc = proxy
	}
}

// Negotiator is an option that sets the credentials and CONNECT settings used
// with every upstream proxy. Credentials in the proxy URL are used otherwise.
func Negotiator(n *tunnel.Negotiator) Option {
	return func(s *Server) {
		s.negotiator = n
	}
}

// Log sets the logger on the server for debug purposes
func Log(logger log.Interface) Option {
	return func(s *Server) {
		s.logger = logger
		s.server.Verbose = (logger != nil)
		if logger != nil {
			s.logWriter = logging.NewLogWriter(logger.WithField("component", "goproxy"))
			s.server.Logger = stdlog.New(s.logWriter, "", 0)
		}
	}
}

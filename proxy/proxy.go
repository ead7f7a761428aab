// Package proxy is a local HTTP proxy that reaches upstream proxies through
// authenticated CONNECT tunnels.
package proxy

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"gopkg.in/elazarl/goproxy.v1"

	"github.com/justenwalker/proxytunnel/config"
	"github.com/justenwalker/proxytunnel/logging"
	"github.com/justenwalker/proxytunnel/tunnel"
)

// Server is a proxy server
type Server struct {
	logger     log.Interface
	logWriter  *logging.LogWriter
	proxyFunc  config.ProxyFunc
	negotiator *tunnel.Negotiator
	server     *goproxy.ProxyHttpServer
}

func (s *Server) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	s.server.ServeHTTP(resp, req)
}

// Close the server down and flush logs
func (s *Server) Close() error {
	if s.logWriter != nil {
		return s.logWriter.Flush()
	}
	return nil
}

func (s *Server) log() log.Interface {
	if s.logger == nil {
		return logging.Discard()
	}
	return s.logger
}

func (s *Server) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	s.log().WithField("url", req.URL.String()).Debug("request")
	return req, nil
}

func (s *Server) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp != nil {
		s.log().WithField("status", resp.Status).Debug("response")
	}
	if ctx.Error != nil {
		s.log().WithError(ctx.Error).Warn("response")
	}
	return resp
}

func (s *Server) proxy(addr string) (*url.URL, error) {
	if s.proxyFunc == nil {
		return nil, nil
	}
	u, err := s.proxyFunc(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "select proxy for '%s'", addr)
	}
	s.log().WithFields(log.Fields{"addr": addr, "proxy": u}).Debug("proxy selected")
	return u, nil
}

// New creates a new proxy Server with the given options configured
func New(opts ...Option) *Server {
	srv := &Server{
		server: goproxy.NewProxyHttpServer(),
	}
	srv.server.Tr = &http.Transport{
		DialContext: srv.dialContext,
	}
	srv.server.ConnectDial = srv.dial
	for _, opt := range opts {
		opt(srv)
	}
	srv.server.OnRequest().DoFunc(srv.onRequest)
	srv.server.OnResponse().DoFunc(srv.onResponse)
	return srv
}

func (s *Server) dial(network, addr string) (net.Conn, error) {
	return s.dialContext(context.Background(), network, addr)
}

func (s *Server) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	purl, err := s.proxy(addr)
	if err != nil {
		s.log().WithError(err).Warn("dial")
		return nil, err
	}
	// Prevent upstream proxy from being re-directed
	if purl == nil || purl.Host == addr {
		s.log().WithField("addr", addr).Debug("dial direct")
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	d, err := tunnel.NewDialer(purl, nil)
	if err != nil {
		return nil, err
	}
	if s.negotiator != nil {
		d.UseNegotiator(s.negotiator)
	}
	if d.Negotiator.Logger == nil && s.logger != nil {
		d.Negotiator.Logger = s.logger.WithField("proxy", d.ProxyAddr)
	}
	s.log().WithFields(log.Fields{"proxy": d.ProxyAddr, "addr": addr}).Debug("dial tunnel")
	return d.DialContext(ctx, network, addr)
}

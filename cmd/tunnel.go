package cmd

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/justenwalker/proxytunnel/config"
	"github.com/justenwalker/proxytunnel/pac"
	"github.com/justenwalker/proxytunnel/tunnel"
)

// tunnelCmd represents the tunnel command
var tunnelCmd = &cobra.Command{
	Use:   "tunnel host:port",
	Short: "Open a tunnel and relay it over stdin and stdout",
	Long: `Opens a CONNECT tunnel to host:port through the upstream proxy and
relays it over stdin and stdout, e.g. as an ssh ProxyCommand:

  ssh -o ProxyCommand='proxytunnel tunnel --proxy http://proxy:3128 %h:%p' host`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return runTunnel(ctx, cfg, args[0], stdio{})
	},
}

func init() {
	RootCmd.AddCommand(tunnelCmd)
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// upstreamFor picks the proxy for addr from the PAC file, else the proxy url.
func upstreamFor(cfg *config.Config, addr string) (*url.URL, error) {
	if cfg.PAC != "" {
		p := &pac.PAC{URL: cfg.PAC}
		if _, err := p.Refresh(); err != nil {
			return nil, err
		}
		return p.Proxy(addr)
	}
	return cfg.ProxyURL()
}

func runTunnel(ctx context.Context, cfg *config.Config, addr string, local io.ReadWriter) error {
	logger := newLogger(cfg)
	purl, err := upstreamFor(cfg, addr)
	if err != nil {
		return err
	}
	var conn net.Conn
	if purl == nil {
		logger.WithField("addr", addr).Info("no proxy, connecting directly")
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialTunnel(ctx, cfg, logger, purl, addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	return relay(ctx, conn, local)
}

func dialTunnel(ctx context.Context, cfg *config.Config, logger log.Interface, purl *url.URL, addr string) (net.Conn, error) {
	d, err := tunnel.NewDialer(purl, nil)
	if err != nil {
		return nil, err
	}
	n, err := negotiator(cfg, logger.WithField("proxy", d.ProxyAddr))
	if err != nil {
		return nil, err
	}
	d.UseNegotiator(n)
	return d.DialContext(ctx, "tcp", addr)
}

// relay copies in both directions until the remote side closes or ctx is
// done. The end of local input only closes the write half.
func relay(ctx context.Context, conn net.Conn, local io.ReadWriter) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(local, conn)
		done <- errors.Wrap(err, "remote to local")
	}()
	go func() {
		io.Copy(conn, local)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

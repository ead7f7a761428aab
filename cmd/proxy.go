package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/justenwalker/proxytunnel/config"
	"github.com/justenwalker/proxytunnel/pac"
	"github.com/justenwalker/proxytunnel/proxy"
)

// proxyCmd represents the proxy command
var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the proxy server",
	Long: `Starts a local proxy server. Requests are sent through CONNECT tunnels
opened on the upstream proxy chosen by the PAC file or --proxy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runProxy(cfg)
	},
}

func init() {
	RootCmd.AddCommand(proxyCmd)
	proxyCmd.Flags().StringVarP(&flagConfig.Listen, "address", "a", config.DefaultListen, "listen address for the proxy server")
}

// selector builds the upstream selection. With a PAC file the returned
// function refreshes it until quit is closed, going direct while the PAC is
// unreachable.
func selector(cfg *config.Config, logger log.Interface) (*config.DynamicConfig, func(quit <-chan struct{}), error) {
	if cfg.PAC == "" {
		u, err := cfg.ProxyURL()
		if err != nil {
			return nil, nil, err
		}
		var pf config.ProxyFunc
		if u != nil {
			pf = config.Static(u)
		}
		return config.NewDynamic(pf, cfg.NoProxy), func(<-chan struct{}) {}, nil
	}
	proxyPAC := &pac.PAC{URL: cfg.PAC}
	if _, err := proxyPAC.Refresh(); err != nil {
		logger.WithError(err).Warn("unable to load PAC")
	}
	dyn := config.NewDynamic(proxyPAC.Proxy, cfg.NoProxy)
	refresh := func(quit <-chan struct{}) {
		var proxyDisabled bool
		for {
			select {
			case <-time.After(cfg.PACInterval):
				updated, err := proxyPAC.Refresh()
				switch {
				case err != nil && !proxyDisabled:
					logger.WithError(err).Warn("PAC unreachable, connecting directly")
					proxyDisabled = true
					dyn.SetProxyEnabled(false)
				case err == nil && proxyDisabled:
					logger.Info("PAC reachable again")
					proxyDisabled = false
					dyn.SetProxyEnabled(true)
				case updated:
					logger.Debug("PAC updated")
				}
			case <-quit:
				return
			}
		}
	}
	return dyn, refresh, nil
}

func runProxy(cfg *config.Config) error {
	logger := newLogger(cfg)
	dyn, refresh, err := selector(cfg, logger)
	if err != nil {
		return err
	}
	n, err := negotiator(cfg, logger)
	if err != nil {
		return err
	}
	prx := proxy.New(
		proxy.Proxy(dyn.Proxy),
		proxy.Negotiator(n),
		proxy.Log(logger),
	)
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: prx,
	}
	defer prx.Close()
	// Listen for Interrupt
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	// PAC Refresher & Proxy Enabler
	quitCh := make(chan struct{})
	go refresh(quitCh)

	// Shut Down on Signal
	go func() {
		<-sig
		close(quitCh)
		srv.Close()
	}()

	// Run Proxy
	logger.WithField("address", cfg.Listen).Info("listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

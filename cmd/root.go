package cmd

import (
	"os"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/justenwalker/proxytunnel/config"
	"github.com/justenwalker/proxytunnel/logging"
	"github.com/justenwalker/proxytunnel/tunnel"
)

var (
	configPath string
	flagConfig config.Config
)

// RootCmd is the proxytunnel command
var RootCmd = &cobra.Command{
	Use:          "proxytunnel",
	Short:        "Tunnel through HTTP proxies that require authentication",
	SilenceUsage: true,
}

// Execute runs the command line
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultUser() string {
	return os.Getenv("USER")
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.BoolVarP(&flagConfig.Verbose, "verbose", "v", false, "enable verbose logging")
	pf.StringVarP(&flagConfig.Service, "service", "s", config.DefaultService, "service name, used to distinguish between auth configurations")
	pf.StringVarP(&flagConfig.Username, "user", "u", "", "user name, used to log into proxy servers. Omit to use an unauthenticated proxy.")
	pf.StringVar(&flagConfig.Domain, "domain", "", "NTLM domain")
	pf.StringVar(&flagConfig.Workstation, "workstation", "", "NTLM workstation name")
	pf.StringVar(&flagConfig.Proxy, "proxy", "", "upstream proxy url, http://host:port or https://host:port")
	pf.StringVarP(&flagConfig.PAC, "pac", "p", "", "url to the proxy auto config (PAC) file")
	pf.StringVar(&flagConfig.Scheme, "scheme", "", "send credentials before the first challenge: basic or ntlm")
	pf.BoolVar(&flagConfig.NTLMv2, "ntlmv2", false, "answer NTLM challenges with NTLMv2 responses")
}

// loadConfig layers the config file, PROXYTUNNEL_* variables and the flags
// given on the command line, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	override := map[string]func(){
		"verbose":     func() { cfg.Verbose = flagConfig.Verbose },
		"service":     func() { cfg.Service = flagConfig.Service },
		"user":        func() { cfg.Username = flagConfig.Username },
		"domain":      func() { cfg.Domain = flagConfig.Domain },
		"workstation": func() { cfg.Workstation = flagConfig.Workstation },
		"proxy":       func() { cfg.Proxy = flagConfig.Proxy },
		"pac":         func() { cfg.PAC = flagConfig.PAC },
		"scheme":      func() { cfg.Scheme = flagConfig.Scheme },
		"ntlmv2":      func() { cfg.NTLMv2 = flagConfig.NTLMv2 },
		"address":     func() { cfg.Listen = flagConfig.Listen },
	}
	for name, set := range override {
		if flags.Changed(name) {
			set()
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// negotiator resolves the credentials and builds the negotiator shared by
// every tunnel.
func negotiator(cfg *config.Config, logger log.Interface) (*tunnel.Negotiator, error) {
	creds, err := cfg.Credentials(config.SystemKeyring{}, config.TerminalPrompt)
	if err != nil {
		return nil, err
	}
	return cfg.Negotiator(creds, logger)
}

func newLogger(cfg *config.Config) *log.Logger {
	return logging.New(os.Stderr, cfg.Verbose)
}

package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/justenwalker/proxytunnel/config"
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Sets the proxy authentication credentials",
	Long: `Prompts for the proxy password of --user and stores it in the system
keyring. The current user is assumed when --user is not given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return storePassword(config.SystemKeyring{}, config.TerminalPrompt, cfg.Service, authUser(cfg))
	},
}

func init() {
	RootCmd.AddCommand(authCmd)
}

// authUser is the user whose password the auth command stores.
func authUser(cfg *config.Config) string {
	if cfg.Username != "" {
		return cfg.Username
	}
	return defaultUser()
}

func storePassword(ring config.Keyring, prompt config.Prompt, service, username string) error {
	if service == "" {
		return errors.New("service name missing")
	}
	if username == "" {
		return errors.New("user name missing")
	}
	password, err := prompt(username)
	if err != nil {
		return errors.Wrap(err, "password prompt")
	}
	return errors.Wrapf(ring.Set(service, username, string(password)), "keyring %s/%s", service, username)
}

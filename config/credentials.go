package config

import (
	"fmt"
	"os"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/zalando/go-keyring"

	"github.com/justenwalker/proxytunnel/auth"
)

// Keyring stores passwords per service and user.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, password string) error
}

// SystemKeyring is the operating system keyring.
type SystemKeyring struct{}

// Get returns keyring.ErrNotFound when nothing is stored.
func (SystemKeyring) Get(service, user string) (string, error) {
	return keyring.Get(service, user)
}

func (SystemKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}

// Prompt asks the user for a password.
type Prompt func(username string) ([]byte, error)

// TerminalPrompt reads a password from the terminal without echo.
func TerminalPrompt(username string) ([]byte, error) {
	return gopass.GetPasswdPrompt(fmt.Sprintf("[%s] Password: ", username), true, os.Stdin, os.Stderr)
}

// Credentials resolves the credentials. The password comes from the config
// itself, else the keyring, else the prompt; a prompted password is stored
// in the keyring. Without a username the result is empty.
func (c *Config) Credentials(ring Keyring, prompt Prompt) (auth.Credentials, error) {
	creds := auth.Credentials{
		Username:    c.Username,
		Password:    c.Password,
		Domain:      c.Domain,
		Workstation: c.Workstation,
	}
	if creds.Username == "" || creds.Password != "" {
		return creds, nil
	}
	if c.Service == "" {
		return creds, errors.New("service name missing")
	}
	secret, err := ring.Get(c.Service, creds.Username)
	if err == nil {
		creds.Password = secret
		return creds, nil
	}
	if err != keyring.ErrNotFound || prompt == nil {
		return creds, errors.Wrapf(err, "keyring %s/%s", c.Service, creds.Username)
	}
	pb, err := prompt(creds.Username)
	if err != nil {
		return creds, errors.Wrap(err, "password prompt")
	}
	creds.Password = string(pb)
	if err := ring.Set(c.Service, creds.Username, creds.Password); err != nil {
		return creds, errors.Wrapf(err, "keyring %s/%s", c.Service, creds.Username)
	}
	return creds, nil
}

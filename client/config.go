package client

//
// This library contains the code necessary to parse a user's relay
// configuration (in ~/.config/relay.json): the server URL and any POP
// tokens already purchased, keyed by inbox address.
//

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConfigVersion is the current default version of the configuration file.
const ConfigVersion = 1

// StoredToken is a purchased POP token kept for reuse until it expires.
type StoredToken struct {
	Token   string `json:"token"`
	Ops     string `json:"ops"`
	Expires int64  `json:"expires"` // unix milliseconds
}

// Config represents the client configuration file.
type Config struct {
	Version  int                     `json:"version"`
	Store    string                  `json:"-"` // where this config lives
	Stored   bool                    `json:"-"` // whether it came from disk
	Server   string                  `json:"server"`
	Tokens   map[string]*StoredToken `json:"tokens"`   // by inbox address
	Sessions map[string]string       `json:"sessions"` // open payment sessions, by session id
}

// GetStoreLocation returns the default config path.
func GetStoreLocation() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./relay.json"
	}
	return filepath.Join(home, ".config", "relay.json")
}

// LoadConfig loads the client configuration, if there is one. Returns an
// empty object (with Stored == false) if no configuration exists.
func LoadConfig(store string) (*Config, error) {
	contents, err := os.ReadFile(store)
	if os.IsNotExist(err) {
		return &Config{
			Version:  ConfigVersion,
			Store:    store,
			Tokens:   make(map[string]*StoredToken),
			Sessions: make(map[string]string),
		}, nil
	}

	if err != nil {
		return nil, err
	}

	config := Config{Stored: true, Store: store}
	if err = json.Unmarshal(contents, &config); err != nil {
		return nil, err
	}

	if config.Version > ConfigVersion {
		return nil, fmt.Errorf("unable to load version %d config; please upgrade", config.Version)
	}

	if config.Tokens == nil {
		config.Tokens = make(map[string]*StoredToken)
	}
	if config.Sessions == nil {
		config.Sessions = make(map[string]string)
	}

	return &config, nil
}

// Save the configuration to the location from which it was loaded.
func (config *Config) Save() error {
	contents, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	contents = append(contents, '\n')

	if err = os.MkdirAll(filepath.Dir(config.Store), 0700); err != nil {
		return err
	}

	return os.WriteFile(config.Store, contents, 0600)
}

// Token returns a stored, unexpired token for an address, if any.
func (config *Config) Token(address string) string {
	stored, ok := config.Tokens[address]
	if !ok {
		return ""
	}

	if time.Now().UnixMilli() >= stored.Expires {
		delete(config.Tokens, address)
		return ""
	}

	return stored.Token
}

// Set a property. The expression is of the form "property=value".
func (config *Config) Set(expression string) error {
	name, value, ok := strings.Cut(expression, "=")
	if !ok {
		return fmt.Errorf("invalid expression: %s", expression)
	}

	switch name {
	case "server":
		config.Server = value
	default:
		return fmt.Errorf("unknown property %s", name)
	}

	return nil
}

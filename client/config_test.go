package client

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingConfig(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "relay.json"))
	if err != nil {
		t.Fatal(err)
	}

	if config.Stored {
		t.Error("missing config reported as stored")
	}
	if config.Tokens == nil || config.Sessions == nil {
		t.Error("maps not initialised")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	store := filepath.Join(t.TempDir(), "relay.json")

	config, err := LoadConfig(store)
	if err != nil {
		t.Fatal(err)
	}

	config.Server = "http://localhost:8080"
	config.Tokens["addr-a"] = &StoredToken{
		Token:   "token-a",
		Ops:     "*",
		Expires: time.Now().Add(time.Hour).UnixMilli(),
	}
	config.Sessions["session-1"] = "addr-a"

	if err = config.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfig(store)
	if err != nil {
		t.Fatal(err)
	}

	if !loaded.Stored {
		t.Error("saved config not reported as stored")
	}
	if loaded.Server != "http://localhost:8080" {
		t.Errorf("server = %s", loaded.Server)
	}
	if loaded.Token("addr-a") != "token-a" {
		t.Errorf("token = %s", loaded.Token("addr-a"))
	}
	if loaded.Sessions["session-1"] != "addr-a" {
		t.Errorf("session = %s", loaded.Sessions["session-1"])
	}
}

func TestExpiredTokenDropped(t *testing.T) {
	config := &Config{Tokens: map[string]*StoredToken{
		"addr-a": {Token: "stale", Expires: time.Now().Add(-time.Hour).UnixMilli()},
	}}

	if token := config.Token("addr-a"); token != "" {
		t.Errorf("expired token returned: %s", token)
	}
	if _, ok := config.Tokens["addr-a"]; ok {
		t.Error("expired token not pruned")
	}
}

func TestSet(t *testing.T) {
	config := &Config{}

	if err := config.Set("server=http://example.com"); err != nil {
		t.Fatal(err)
	}
	if config.Server != "http://example.com" {
		t.Errorf("server = %s", config.Server)
	}

	if err := config.Set("nonsense"); err == nil {
		t.Error("expected an error for a malformed expression")
	}
	if err := config.Set("unknown=1"); err == nil {
		t.Error("expected an error for an unknown property")
	}
}

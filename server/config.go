package server

import (
	"fmt"
	"slices"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kelseyhightower/envconfig"
)

var Networks = []string{"mainnet", "testnet", "regtest"}

var Config struct {
	Bind        string `default:"127.0.0.1:8080"`
	RPCAddr     string `envconfig:"rpc_addr" default:"127.0.0.1:18443"`
	RPCUser     string `envconfig:"rpc_user" default:"user"`
	RPCPassword string `envconfig:"rpc_password" default:"password"`
	Network     string `default:"regtest"` // See Networks
	DBPath      string `envconfig:"db_path" default:"./relay.db"`
	WalletPath  string `split_words:"true" default:"./wallet.json"`
	Secret      string `default:""` // token MAC secret; generated and persisted if empty

	// Size ceilings, bytes.
	MessageSize int64 `split_words:"true" default:"20971520"`
	ProfileSize int64 `split_words:"true" default:"1048576"`
	PaymentSize int64 `split_words:"true" default:"1048576"`

	// Payment policy.
	PaymentTimeout   int64  `split_words:"true" default:"60000"` // invoice lifetime, ms
	TokenFee         uint64 `split_words:"true" default:"10000"` // satoshis
	TokenTTL         int64  `envconfig:"token_ttl" default:"3600000"`
	StampBase        uint64 `split_words:"true" default:"100"`
	StampPerKB       uint64 `envconfig:"stamp_per_kb" default:"5"`
	MinConfirmations int    `split_words:"true" default:"0"`
	BroadcastStamps  bool   `split_words:"true" default:"true"`
	FreePull         bool   `split_words:"true" default:"false"`

	NodeTimeout int64 `split_words:"true" default:"5000"` // RPC deadline, ms
}

func initConfig() error {
	if err := envconfig.Process("relay", &Config); err != nil {
		return err
	}

	if !slices.Contains(Networks, Config.Network) {
		return fmt.Errorf("unexpected value for RELAY_NETWORK: %s", Config.Network)
	}

	if Config.MessageSize <= 0 || Config.ProfileSize <= 0 || Config.PaymentSize <= 0 {
		return fmt.Errorf("size limits must be positive")
	}

	if Config.PaymentTimeout <= 0 || Config.TokenTTL <= 0 {
		return fmt.Errorf("payment timeout and token TTL must be positive")
	}

	return nil
}

// networkParams maps the configured network name onto chain parameters.
// The network changes address validation rules only.
func networkParams() (*chaincfg.Params, error) {
	switch Config.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", Config.Network)
}

func paymentTimeout() time.Duration { return time.Duration(Config.PaymentTimeout) * time.Millisecond }
func tokenTTL() time.Duration       { return time.Duration(Config.TokenTTL) * time.Millisecond }
func nodeTimeout() time.Duration    { return time.Duration(Config.NodeTimeout) * time.Millisecond }

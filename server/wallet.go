package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Wallet holds the relay's key material: a secp256k1 key that invoice
// destinations are derived from, and the token MAC secret. The private key
// never leaves the wallet file.
type Wallet struct {
	Path       string `json:"-"` // where this wallet was loaded
	PrivateKey []byte `json:"privateKey"`
	PublicKey  []byte `json:"publicKey"`
	Secret     []byte `json:"secret"`

	params *chaincfg.Params
}

// NewWallet returns a new Wallet with a unique private key and token secret.
func NewWallet(path string, params *chaincfg.Params) *Wallet {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}

	return &Wallet{
		Path:       path,
		PrivateKey: key.Serialize(),
		PublicKey:  key.PubKey().SerializeCompressed(),
		Secret:     secret,
		params:     params,
	}
}

func LoadWallet(path string, params *chaincfg.Params) (*Wallet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wallet := &Wallet{
		Path:   path,
		params: params,
	}

	if err = json.NewDecoder(f).Decode(wallet); err != nil {
		return nil, err
	}

	return wallet, nil
}

func (wallet *Wallet) Save() error {
	// FIXME: write-and-replace rather than overwrite.
	f, err := os.OpenFile(wallet.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(wallet)
}

// PubKeyHex returns the compressed relay public key.
func (wallet *Wallet) PubKeyHex() string {
	return hex.EncodeToString(wallet.PublicKey)
}

// Destination derives a fresh payment address for a session. The child key
// is keyed off the wallet private key and the session id, so every invoice
// pays a distinct address the relay can spend later.
func (wallet *Wallet) Destination(sessionID string) (string, []byte, error) {
	seed := sha256.Sum256(append(wallet.PrivateKey, []byte(sessionID)...))
	_, childPub := btcec.PrivKeyFromBytes(seed[:])

	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(childPub.SerializeCompressed()), wallet.params)
	if err != nil {
		return "", nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, err
	}

	return addr.EncodeAddress(), pkScript, nil
}

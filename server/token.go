package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// TokenScheme is the Authorization scheme used for POP tokens.
const TokenScheme = "POP"

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenSignature = errors.New("bad token signature")
	ErrTokenExpired   = errors.New("token expired")
)

// TokenScope is what a POP token buys: a set of operations against one inbox
// address, until Expires.
type TokenScope struct {
	Address string `json:"address"`
	Ops     string `json:"ops"` // "push", "pull" or "*"
	Expires int64  `json:"expires"` // unix milliseconds
}

// Covers reports whether the scope authorises op against address.
func (scope TokenScope) Covers(op Operation, address string) bool {
	if scope.Address != address {
		return false
	}
	return scope.Ops == "*" || scope.Ops == string(op)
}

// TokenCodec mints and validates POP tokens. Tokens are self-authenticating:
// base64url(scope JSON) "." base64url(keyed-BLAKE2b tag). Nothing is stored
// server-side, so a token cannot be revoked before its expiry.
type TokenCodec struct {
	key [32]byte
}

func NewTokenCodec(secret []byte) *TokenCodec {
	// Normalise the secret to a fixed-length MAC key.
	return &TokenCodec{key: sha256.Sum256(secret)}
}

func (codec *TokenCodec) tag(body []byte) []byte {
	mac, err := blake2b.New256(codec.key[:])
	if err != nil {
		panic(err) // key length is fixed at 32 bytes
	}
	mac.Write(body)
	return mac.Sum(nil)
}

// Issue mints a token for the given scope.
func (codec *TokenCodec) Issue(scope TokenScope) (string, error) {
	body, err := json.Marshal(scope)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	return enc.EncodeToString(body) + "." + enc.EncodeToString(codec.tag(body)), nil
}

// Validate authenticates a token and returns its scope. The tag comparison is
// constant time. A token that validates has Expires in the future.
func (codec *TokenCodec) Validate(token string, now time.Time) (TokenScope, error) {
	var scope TokenScope

	rawBody, rawTag, ok := strings.Cut(token, ".")
	if !ok {
		return scope, ErrTokenMalformed
	}

	enc := base64.RawURLEncoding
	body, err := enc.DecodeString(rawBody)
	if err != nil {
		return scope, ErrTokenMalformed
	}
	tag, err := enc.DecodeString(rawTag)
	if err != nil {
		return scope, ErrTokenMalformed
	}

	if !hmac.Equal(tag, codec.tag(body)) {
		return scope, ErrTokenSignature
	}

	if err := json.Unmarshal(body, &scope); err != nil {
		return scope, ErrTokenMalformed
	}

	if now.UnixMilli() >= scope.Expires {
		return TokenScope{}, ErrTokenExpired
	}

	return scope, nil
}

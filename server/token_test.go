package server

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	codec := NewTokenCodec([]byte("test secret"))
	expires := time.Now().Add(time.Hour).UnixMilli()

	token, err := codec.Issue(TokenScope{Address: "addr-a", Ops: "*", Expires: expires})
	if err != nil {
		t.Fatal(err)
	}

	scope, err := codec.Validate(token, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if scope.Address != "addr-a" || scope.Ops != "*" || scope.Expires != expires {
		t.Errorf("scope mismatch: %+v", scope)
	}
}

func TestTokenExpiry(t *testing.T) {
	codec := NewTokenCodec([]byte("test secret"))
	expires := time.Now().Add(time.Minute)

	token, err := codec.Issue(TokenScope{Address: "addr-a", Ops: "*", Expires: expires.UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}

	// Strictly before expiry: valid.
	if _, err = codec.Validate(token, expires.Add(-time.Second)); err != nil {
		t.Errorf("token should validate before expiry: %v", err)
	}

	// Strictly after expiry: rejected.
	if _, err = codec.Validate(token, expires.Add(time.Second)); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenTampering(t *testing.T) {
	codec := NewTokenCodec([]byte("test secret"))
	expires := time.Now().Add(time.Hour).UnixMilli()

	token, err := codec.Issue(TokenScope{Address: "addr-a", Ops: "pull", Expires: expires})
	if err != nil {
		t.Fatal(err)
	}

	// Forge a wider scope with the original tag.
	forged, err := codec.Issue(TokenScope{Address: "addr-b", Ops: "*", Expires: expires})
	if err != nil {
		t.Fatal(err)
	}
	_, tag, _ := strings.Cut(token, ".")
	forgedBody, _, _ := strings.Cut(forged, ".")

	if _, err = codec.Validate(forgedBody+"."+tag, time.Now()); !errors.Is(err, ErrTokenSignature) {
		t.Errorf("expected ErrTokenSignature, got %v", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	codec := NewTokenCodec([]byte("test secret"))
	other := NewTokenCodec([]byte("other secret"))

	token, err := codec.Issue(TokenScope{Address: "addr-a", Ops: "*", Expires: time.Now().Add(time.Hour).UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err = other.Validate(token, time.Now()); !errors.Is(err, ErrTokenSignature) {
		t.Errorf("expected ErrTokenSignature, got %v", err)
	}
}

func TestTokenMalformed(t *testing.T) {
	codec := NewTokenCodec([]byte("test secret"))

	for _, token := range []string{"", "nodot", "bad base64!.tag", "e30.bad base64!"} {
		if _, err := codec.Validate(token, time.Now()); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("Validate(%q): expected ErrTokenMalformed, got %v", token, err)
		}
	}
}

func TestScopeCovers(t *testing.T) {
	tests := []struct {
		ops     string
		op      Operation
		address string
		want    bool
	}{
		{"*", OpPush, "addr-a", true},
		{"*", OpPull, "addr-a", true},
		{"push", OpPush, "addr-a", true},
		{"push", OpPull, "addr-a", false},
		{"pull", OpPull, "addr-a", true},
		{"pull", OpPush, "addr-a", false},
		{"*", OpPush, "addr-b", false},
	}

	for _, test := range tests {
		scope := TokenScope{Address: "addr-a", Ops: test.ops}
		if got := scope.Covers(test.op, test.address); got != test.want {
			t.Errorf("Covers(%s, %s) with ops %q = %v, want %v", test.op, test.address, test.ops, got, test.want)
		}
	}
}

package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// Token identifies a mint. Text form is base58.
type Token [32]byte

func (t Token) String() string { return base58.Encode(t[:]) }

// IsZero reports whether t is unset.
func (t Token) IsZero() bool { return t == Token{} }

func (t Token) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Token) UnmarshalText(b []byte) error {
	v, err := ParseToken(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseToken decodes a base58 token identity.
func ParseToken(s string) (Token, error) {
	var t Token
	raw := base58.Decode(s)
	if len(raw) != len(t) {
		return t, fmt.Errorf("adapter: token %q decodes to %d bytes, want 32", s, len(raw))
	}
	copy(t[:], raw)
	return t, nil
}

// Account identifies a holder of token balances. Text form is base58.
type Account [32]byte

func (a Account) String() string { return base58.Encode(a[:]) }

// IsZero reports whether a is unset.
func (a Account) IsZero() bool { return a == Account{} }

func (a Account) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Account) UnmarshalText(b []byte) error {
	v, err := ParseAccount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAccount decodes a base58 account identity.
func ParseAccount(s string) (Account, error) {
	var a Account
	raw := base58.Decode(s)
	if len(raw) != len(a) {
		return a, fmt.Errorf("adapter: account %q decodes to %d bytes, want 32", s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// DeriveAccount deterministically derives an account from seeds, the way
// program-owned addresses are derived.
func DeriveAccount(seeds ...string) Account {
	h := sha256.New()
	for _, s := range seeds {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	var a Account
	copy(a[:], h.Sum(nil))
	return a
}

// DeriveToken is DeriveAccount for mints; used for well-known test mints.
func DeriveToken(symbol string) Token {
	return Token(DeriveAccount("mint", symbol))
}

// Pair is an ordered token pair. A is the volatile token; B is the quote and
// debt token. Prices are quoted as B per A.
type Pair struct {
	A Token `json:"a"`
	B Token `json:"b"`
}

// Key is a stable string form used for map keys and lock names.
func (p Pair) Key() string {
	return hex.EncodeToString(p.A[:8]) + "-" + hex.EncodeToString(p.B[:8])
}

func (p Pair) String() string { return p.A.String() + "/" + p.B.String() }

// Has reports whether t is one of the pair's tokens.
func (p Pair) Has(t Token) bool { return p.A == t || p.B == t }

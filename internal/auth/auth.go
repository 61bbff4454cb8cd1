// Package auth turns bearer tokens into contributor identities.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/blake2b"

	"github.com/drand/ceremony/internal/ceremony"
)

// ErrMissingToken is returned when a request carries no credentials.
var ErrMissingToken = ceremony.NewKindError(ceremony.ErrAuthorization, "missing token")

// ErrUnknownToken is returned for credentials matching no identity.
var ErrUnknownToken = ceremony.NewKindError(ceremony.ErrAuthorization, "unknown token")

// Provider authenticates a bearer token.
type Provider interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// TokenEntry binds one token to an identity. Either Token or its hex encoded
// blake2b-256 Digest is set.
type TokenEntry struct {
	Identity string
	Token    string `toml:",omitempty"`
	Digest   string `toml:",omitempty"`
}

// TokenFile is the on-disk list of tokens.
type TokenFile struct {
	Tokens []TokenEntry
}

// Static authenticates against a fixed set of tokens. Only digests are kept
// in memory.
type Static struct {
	sync.RWMutex
	byDigest map[[32]byte]string
}

func digest(token string) [32]byte {
	return blake2b.Sum256([]byte(token))
}

// Digest returns the value to store in TokenEntry.Digest for token.
func Digest(token string) string {
	d := digest(token)
	return hex.EncodeToString(d[:])
}

// NewStatic returns a provider for the given token to identity pairs.
func NewStatic(tokens map[string]string) *Static {
	s := &Static{byDigest: make(map[[32]byte]string, len(tokens))}
	for tok, id := range tokens {
		s.byDigest[digest(tok)] = id
	}
	return s
}

// LoadTokenFile reads a TOML token file.
func LoadTokenFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f TokenFile
	if _, err := toml.Decode(string(b), &f); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	s := &Static{byDigest: make(map[[32]byte]string, len(f.Tokens))}
	for i, e := range f.Tokens {
		if err := s.add(e); err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
		}
	}
	return s, nil
}

func (s *Static) add(e TokenEntry) error {
	if e.Identity == "" {
		return errors.New("empty identity")
	}
	var d [32]byte
	switch {
	case e.Digest != "":
		raw, err := hex.DecodeString(e.Digest)
		if err != nil || len(raw) != len(d) {
			return fmt.Errorf("invalid digest for %s", e.Identity)
		}
		copy(d[:], raw)
	case e.Token != "":
		d = digest(e.Token)
	default:
		return fmt.Errorf("no token for %s", e.Identity)
	}
	s.Lock()
	s.byDigest[d] = e.Identity
	s.Unlock()
	return nil
}

// Add registers an extra token.
func (s *Static) Add(token, identity string) error {
	return s.add(TokenEntry{Identity: identity, Token: token})
}

func (s *Static) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	s.RLock()
	id, ok := s.byDigest[digest(token)]
	s.RUnlock()
	if !ok {
		return "", ErrUnknownToken
	}
	return id, nil
}

// BearerToken extracts the token of an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package keycodec encodes, decodes and verifies API key tokens of the form
// prefix_id.secret.checksum, and hashes key secrets for storage.
package keycodec

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Token format defaults.
const (
	DefaultPrefix      = "cryb_"
	DefaultIDBytes     = 12 // 24 hex chars
	DefaultSecretBytes = 32 // 64 hex chars, 256 bits
	ChecksumBytes      = 4  // 8 hex chars
)

// ErrMalformedToken is returned when a token does not have the expected shape.
var ErrMalformedToken = errors.New("malformed api key token")

// ErrChecksumMismatch is returned when the checksum segment does not match id and secret.
// It wraps ErrMalformedToken.
var ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrMalformedToken)

// Token is a decoded API key token.
type Token struct {
	ID       string
	Secret   string
	Checksum string
}

// Codec generates and parses tokens.
type Codec struct {
	Prefix      string
	IDBytes     int
	SecretBytes int
}

// New returns a codec with the given prefix and secret length; zero values use defaults.
func New(prefix string, secretBytes int) *Codec {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if secretBytes <= 0 {
		secretBytes = DefaultSecretBytes
	}
	return &Codec{
		Prefix:      prefix,
		IDBytes:     DefaultIDBytes,
		SecretBytes: secretBytes,
	}
}

// Default returns a codec using the default prefix and lengths.
func Default() *Codec {
	return New("", 0)
}

// Generate creates a fresh random id and secret.
func (c *Codec) Generate() (id, secret string, err error) {
	id, err = randomHex(c.IDBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}
	secret, err = c.GenerateSecret()
	if err != nil {
		return "", "", err
	}
	return id, secret, nil
}

// GenerateSecret creates a fresh random secret.
func (c *Codec) GenerateSecret() (string, error) {
	secret, err := randomHex(c.SecretBytes)
	if err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	return secret, nil
}

// Encode joins id and secret into a token with its checksum.
func (c *Codec) Encode(id, secret string) string {
	return c.Prefix + id + "." + secret + "." + Checksum(id, secret)
}

// Decode parses a token. It never touches any store, so malformed input is rejected cheaply.
func (c *Codec) Decode(token string) (Token, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, c.Prefix) {
		return Token{}, fmt.Errorf("%w: missing prefix", ErrMalformedToken)
	}

	parts := strings.Split(strings.TrimPrefix(token, c.Prefix), ".")
	if len(parts) != 3 {
		return Token{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	tok := Token{ID: parts[0], Secret: parts[1], Checksum: parts[2]}
	if len(tok.ID) != c.IDBytes*2 || !isHex(tok.ID) {
		return Token{}, fmt.Errorf("%w: bad id segment", ErrMalformedToken)
	}
	if len(tok.Secret) != c.SecretBytes*2 || !isHex(tok.Secret) {
		return Token{}, fmt.Errorf("%w: bad secret segment", ErrMalformedToken)
	}
	if len(tok.Checksum) != ChecksumBytes*2 || !isHex(tok.Checksum) {
		return Token{}, fmt.Errorf("%w: bad checksum segment", ErrMalformedToken)
	}
	if !VerifyChecksum(tok.ID, tok.Secret, tok.Checksum) {
		return Token{}, ErrChecksumMismatch
	}

	return tok, nil
}

// DisplayPrefix returns the non-secret prefix shown in listings (prefix plus first 8 id chars).
func (c *Codec) DisplayPrefix(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return c.Prefix + id
}

// Checksum returns the integrity tag for id and secret. It detects transcription errors and is
// not a security boundary.
func Checksum(id, secret string) string {
	sum := blake2b.Sum256([]byte(id + "." + secret))
	return hex.EncodeToString(sum[:ChecksumBytes])
}

// VerifyChecksum reports whether checksum matches id and secret.
func VerifyChecksum(id, secret, checksum string) bool {
	return Checksum(id, secret) == checksum
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// isHex accepts lowercase hex only; tokens are always emitted lowercase.
func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

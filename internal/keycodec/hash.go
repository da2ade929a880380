/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package keycodec

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	hashScheme = "b2"
	saltBytes  = 16
	digestSize = blake2b.Size256
)

// dummySalt and dummyDigest stand in for unparsable stored hashes so the comparison path
// always performs the same work.
var (
	dummySalt   = make([]byte, saltBytes)
	dummyDigest = make([]byte, digestSize)
)

// HashSecret derives the stored form of a secret: b2$<salt>$<digest>, where digest is
// BLAKE2b-256 keyed with a random salt.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest, err := digestSecret(salt, secret)
	if err != nil {
		return "", err
	}
	return hashScheme + "$" + hex.EncodeToString(salt) + "$" + hex.EncodeToString(digest), nil
}

// CompareSecret reports whether secret matches the stored hash. The digests are compared with
// a constant-time primitive over fixed-length inputs.
func CompareSecret(stored, secret string) bool {
	salt, want, ok := parseHash(stored)
	if !ok {
		salt, want = dummySalt, dummyDigest
	}

	got, err := digestSecret(salt, secret)
	if err != nil {
		got = make([]byte, digestSize)
	}

	match := subtle.ConstantTimeCompare(got, want) == 1
	return match && ok
}

func digestSecret(salt []byte, secret string) ([]byte, error) {
	h, err := blake2b.New256(salt)
	if err != nil {
		return nil, fmt.Errorf("init blake2b: %w", err)
	}
	h.Write([]byte(secret))
	return h.Sum(nil), nil
}

func parseHash(stored string) (salt, digest []byte, ok bool) {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != hashScheme {
		return nil, nil, false
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil || len(salt) != saltBytes {
		return nil, nil, false
	}
	digest, err = hex.DecodeString(parts[2])
	if err != nil || len(digest) != digestSize {
		return nil, nil, false
	}
	return salt, digest, true
}

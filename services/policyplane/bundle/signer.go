// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bundle

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSigningKeyUnavailable indicates the signing key could not be
	// loaded. Builds treat this as a degradation, not a failure.
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")

	// ErrBadSignature indicates signature verification failed.
	ErrBadSignature = errors.New("bundle signature verification failed")

	// ErrUnsignedVersion indicates verification was requested against
	// a version built without a signature.
	ErrUnsignedVersion = errors.New("version carries no signature")
)

// Signer signs bundle content hashes with an ed25519 private key.
//
// Thread Safety: Immutable after creation.
type Signer struct {
	key ed25519.PrivateKey
}

// LoadSigner reads a PKCS#8 PEM ed25519 private key from disk. Any
// failure wraps ErrSigningKeyUnavailable so callers can degrade to
// unsigned builds.
func LoadSigner(path string) (*Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no key path configured", ErrSigningKeyUnavailable)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrSigningKeyUnavailable, path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not PEM", ErrSigningKeyUnavailable, path)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrSigningKeyUnavailable, path, err)
	}

	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an ed25519 key", ErrSigningKeyUnavailable, path)
	}
	return &Signer{key: key}, nil
}

// Sign returns the base64 ed25519 signature over the hex content hash.
func (s *Signer) Sign(contentHash string) (string, error) {
	digest, err := hex.DecodeString(contentHash)
	if err != nil {
		return "", fmt.Errorf("decode content hash: %w", err)
	}
	sig := ed25519.Sign(s.key, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Public returns the signer's public key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// VerifySignature checks a base64 signature over a hex content hash
// against a public key.
func VerifySignature(pub ed25519.PublicKey, contentHash, signature string) error {
	digest, err := hex.DecodeString(contentHash)
	if err != nil {
		return fmt.Errorf("decode content hash: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return ErrBadSignature
	}
	return nil
}

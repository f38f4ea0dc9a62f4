// Package auth holds the gateway's authentication building blocks: the
// signature verifier, the per-connection challenge store, and the auth
// failure rate limiter with exponential backoff.
package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// DefaultAlgorithm is the digest used when a client registers without one.
const DefaultAlgorithm = "SHA256"

var (
	ErrInvalidPublicKey     = errors.New("public key is not valid PEM")
	ErrUnsupportedAlgorithm = errors.New("signature algorithm not accepted")
	ErrUnsupportedKeyType   = errors.New("unsupported public key type")
)

// acceptedAlgorithms maps digest names to crypto hashes. The allowlist is
// enforced both at registration and at verify time.
var acceptedAlgorithms = map[string]crypto.Hash{
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// AcceptedAlgorithm reports whether the digest name is in the allowlist.
// Matching is case-insensitive; the canonical form is upper-case.
func AcceptedAlgorithm(name string) bool {
	_, ok := acceptedAlgorithms[strings.ToUpper(name)]
	return ok
}

// CanonicalAlgorithm upper-cases a digest name, returning an error when it is
// not accepted.
func CanonicalAlgorithm(name string) (string, error) {
	if name == "" {
		return DefaultAlgorithm, nil
	}
	up := strings.ToUpper(name)
	if !AcceptedAlgorithm(up) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return up, nil
}

// ParsePublicKey decodes a PEM block and parses the contained public key.
// Both PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings are
// accepted.
func ParsePublicKey(pemText string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, ErrInvalidPublicKey
}

// Verify checks signature over message with the given PEM public key and
// digest algorithm. RSA keys use PKCS#1 v1.5, ECDSA keys use ASN.1 encoded
// signatures, Ed25519 keys ignore the digest and verify the raw message.
func Verify(pemText, algorithm string, message, signature []byte) (bool, error) {
	canon, err := CanonicalAlgorithm(algorithm)
	if err != nil {
		return false, err
	}
	hash := acceptedAlgorithms[canon]

	key, err := ParsePublicKey(pemText)
	if err != nil {
		return false, err
	}

	switch k := key.(type) {
	case *rsa.PublicKey:
		h := hash.New()
		h.Write(message)
		if err := rsa.VerifyPKCS1v15(k, hash, h.Sum(nil), signature); err != nil {
			return false, nil
		}
		return true, nil
	case *ecdsa.PublicKey:
		h := hash.New()
		h.Write(message)
		return ecdsa.VerifyASN1(k, h.Sum(nil), signature), nil
	case ed25519.PublicKey:
		return ed25519.Verify(k, message, signature), nil
	default:
		return false, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
}

// Fingerprint computes the canonical identity of a public key: the SHA-256 of
// the base64-decoded body between the PEM BEGIN/END markers, hex-encoded.
// It is insensitive to PEM whitespace and header formatting because the
// decoder normalizes both.
func Fingerprint(pemText string) (string, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return "", ErrInvalidPublicKey
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// HumanFingerprint formats the first 32 hex characters of a fingerprint as
// 4-character groups separated by colons, for display and duplicate reports.
func HumanFingerprint(fp string) string {
	if len(fp) > 32 {
		fp = fp[:32]
	}
	var b strings.Builder
	for i := 0; i < len(fp); i += 4 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 4
		if end > len(fp) {
			end = len(fp)
		}
		b.WriteString(fp[i:end])
	}
	return b.String()
}

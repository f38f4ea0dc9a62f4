package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var ErrInvalidPrivateKey = errors.New("private key is not valid PEM")

// ParsePrivateKey decodes a PEM block and parses the contained private key.
// PKCS#8 ("PRIVATE KEY"), PKCS#1 ("RSA PRIVATE KEY"), and SEC1
// ("EC PRIVATE KEY") encodings are accepted.
func ParsePrivateKey(pemText string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, ErrInvalidPrivateKey
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, ErrInvalidPrivateKey
}

// Sign produces a signature over message that Verify accepts for the matching
// public key and algorithm: RSA PKCS#1 v1.5, ECDSA ASN.1, or raw Ed25519.
func Sign(key crypto.PrivateKey, algorithm string, message []byte) ([]byte, error) {
	canon, err := CanonicalAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	hash := acceptedAlgorithms[canon]

	switch k := key.(type) {
	case *rsa.PrivateKey:
		h := hash.New()
		h.Write(message)
		return rsa.SignPKCS1v15(rand.Reader, k, hash, h.Sum(nil))
	case *ecdsa.PrivateKey:
		h := hash.New()
		h.Write(message)
		return ecdsa.SignASN1(rand.Reader, k, h.Sum(nil))
	case ed25519.PrivateKey:
		return ed25519.Sign(k, message), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
}

// PublicKeyPEM renders the PKIX PEM encoding of the public half of key.
func PublicKeyPEM(key crypto.PrivateKey) (string, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

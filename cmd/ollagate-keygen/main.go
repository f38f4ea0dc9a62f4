// Command ollagate-keygen generates a client keypair in the PEM formats the
// gateway accepts, writing <name>.key (private, mode 0600) and <name>.pub
// (public). The public key is what gets submitted to /api/auth/register.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	var (
		keyType = flag.String("type", "ed25519", "key type: ed25519 or rsa")
		bits    = flag.Int("bits", 2048, "RSA key size in bits (rsa only)")
		name    = flag.String("name", "client", "output file base name")
		outDir  = flag.String("out", ".", "output directory")
	)
	flag.Parse()

	if err := run(*keyType, *bits, *name, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(keyType string, bits int, name, outDir string) error {
	var privDER, pubDER []byte
	var err error

	switch keyType {
	case "ed25519":
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return genErr
		}
		if privDER, err = x509.MarshalPKCS8PrivateKey(priv); err != nil {
			return err
		}
		if pubDER, err = x509.MarshalPKIXPublicKey(pub); err != nil {
			return err
		}
	case "rsa":
		if bits < 2048 {
			return fmt.Errorf("RSA keys below 2048 bits are not accepted")
		}
		priv, genErr := rsa.GenerateKey(rand.Reader, bits)
		if genErr != nil {
			return genErr
		}
		if privDER, err = x509.MarshalPKCS8PrivateKey(priv); err != nil {
			return err
		}
		if pubDER, err = x509.MarshalPKIXPublicKey(&priv.PublicKey); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown key type %q (want ed25519 or rsa)", keyType)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	privPath := filepath.Join(outDir, name+".key")
	pubPath := filepath.Join(outDir, name+".pub")

	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return err
	}

	fmt.Printf("Wrote %s and %s\n", privPath, pubPath)
	fmt.Println("Register the public key with:")
	fmt.Printf("  curl -X POST http://localhost:3000/api/auth/register \\\n")
	fmt.Printf("    -H 'Content-Type: application/json' \\\n")
	fmt.Printf("    -d '{\"name\": \"%s\", \"publicKey\": \"<contents of %s>\"}'\n", name, pubPath)
	return nil
}

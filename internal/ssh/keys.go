package ssh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"

	"cloudimages/internal/control"

	"golang.org/x/crypto/ssh"
)

const passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// KeyPair represents an SSH key pair
type KeyPair struct {
	PrivateKey string // PEM-encoded
	PublicKey  string // authorized_keys format
}

// GenerateKeyPairInMemory creates a 2048-bit RSA key pair without touching disk.
func GenerateKeyPairInMemory() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: string(privateKeyPEM),
		PublicKey:  string(ssh.MarshalAuthorizedKey(publicKey)),
	}, nil
}

// GeneratePassword returns a random password of length n without ambiguous
// characters, suitable for printing to an operator.
func GeneratePassword(n int) (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		out[i] = passwordAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// LoginCredentials builds the one-time credentials for a new VM: a fresh
// password plus the provider's key pair.
func LoginCredentials(ctx context.Context, provider KeyProvider, user string) (control.Credentials, error) {
	keyPair, err := provider.GetOrCreate(ctx)
	if err != nil {
		return control.Credentials{}, err
	}
	password, err := GeneratePassword(20)
	if err != nil {
		return control.Credentials{}, err
	}
	return control.Credentials{
		User:       user,
		Password:   password,
		PrivateKey: keyPair.PrivateKey,
		PublicKey:  keyPair.PublicKey,
	}, nil
}

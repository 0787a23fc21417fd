// pkg/crypto/keys.go
package crypto

import (
    "crypto/ed25519"
    "crypto/rand"
    "fmt"
    "os"
    "path/filepath"
)

// KeyPair is the crawler's signing identity.
type KeyPair struct {
    PublicKey  ed25519.PublicKey
    PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
    publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
    if err != nil {
        return nil, err
    }

    return &KeyPair{
        PublicKey:  publicKey,
        PrivateKey: privateKey,
    }, nil
}

// LoadOrGenerate reads the private key stored at path, creating and saving a
// fresh one when the file does not exist yet.
func LoadOrGenerate(path string) (*KeyPair, error) {
    seed, err := os.ReadFile(path)
    if err == nil {
        if len(seed) != ed25519.SeedSize {
            return nil, fmt.Errorf("invalid key file %s: expected %d bytes, got %d", path, ed25519.SeedSize, len(seed))
        }
        priv := ed25519.NewKeyFromSeed(seed)
        return &KeyPair{
            PublicKey:  priv.Public().(ed25519.PublicKey),
            PrivateKey: priv,
        }, nil
    }
    if !os.IsNotExist(err) {
        return nil, fmt.Errorf("failed to read key file: %w", err)
    }

    kp, err := GenerateKeyPair()
    if err != nil {
        return nil, fmt.Errorf("failed to generate keys: %w", err)
    }
    if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
        return nil, fmt.Errorf("failed to create key dir: %w", err)
    }
    if err := os.WriteFile(path, kp.PrivateKey.Seed(), 0600); err != nil {
        return nil, fmt.Errorf("failed to write key file: %w", err)
    }
    return kp, nil
}

// Sign creates a signature for the given message using the private key
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
    return ed25519.Sign(kp.PrivateKey, message), nil
}

// Verify checks if the signature is valid for the given message
func (kp *KeyPair) Verify(message, signature []byte) bool {
    return ed25519.Verify(kp.PublicKey, message, signature)
}

// Package secure runs Noise XX handshakes over adapter links and encrypts
// application payloads once a link reaches transport state.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// Identity is the node's static X25519 keypair.
type Identity struct {
	Private []byte
	Public  []byte
}

// keyFile is the on-disk form of an Identity.
type keyFile struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

// GenerateIdentity creates a fresh static keypair.
func GenerateIdentity() (*Identity, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{Private: kp.Private, Public: kp.Public}, nil
}

// IdentityFromPrivate derives the public half from a 32-byte private key.
func IdentityFromPrivate(priv []byte) (*Identity, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", curve25519.ScalarSize, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Identity{Private: append([]byte(nil), priv...), Public: pub}, nil
}

// Fingerprint returns the hex SHA-256 of the public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.Public)
}

// Fingerprint returns the hex SHA-256 of a static public key.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// PeerID is the short identifier carried in packet sender fields: the first
// eight bytes of the public key's SHA-256.
func (id *Identity) PeerID() []byte {
	sum := sha256.Sum256(id.Public)
	return sum[:8]
}

func (id *Identity) keypair() noise.DHKey {
	return noise.DHKey{Private: id.Private, Public: id.Public}
}

// Save writes the identity as JSON with 0600 permissions.
func (id *Identity) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(keyFile{
		Private: hex.EncodeToString(id.Private),
		Public:  hex.EncodeToString(id.Public),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// LoadIdentity reads a key file written by Save. The stored public key must
// match the one derived from the private key.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	priv, err := hex.DecodeString(kf.Private)
	if err != nil {
		return nil, fmt.Errorf("key file %s: invalid private key: %w", path, err)
	}
	id, err := IdentityFromPrivate(priv)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	if kf.Public != "" && kf.Public != hex.EncodeToString(id.Public) {
		return nil, fmt.Errorf("key file %s: public key does not match private key", path)
	}
	return id, nil
}

// LoadOrCreateIdentity loads path, or generates and saves a new identity
// when the file does not exist.
func LoadOrCreateIdentity(path string) (id *Identity, created bool, err error) {
	id, err = LoadIdentity(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	if id, err = GenerateIdentity(); err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, fmt.Errorf("save key file: %w", err)
	}
	return id, true, nil
}

// Package crypto owns the material under <dataDir>/tls: the fernet key
// that encrypts private keys at rest, the self-signed CA, the
// per-network HTTPS server certificate and the SSH host key.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/ssh"
)

const (
	fernetKeyFile  = "fernet.key"
	sshHostKeyFile = "ssh-host-key.enc"
	sshHostPubFile = "ssh-host-key.pub"
)

// Keystore provides at-rest encryption for key material. The fernet key
// itself lives unencrypted in the tls directory; everything else in
// there is wrapped with it.
type Keystore struct {
	dir string
	mu  sync.Mutex
	key *fernet.Key
}

func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create tls dir: %w", err)
	}
	return &Keystore{dir: dir}, nil
}

func (k *Keystore) Dir() string { return k.dir }

func (k *Keystore) fernetKey() (*fernet.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil {
		return k.key, nil
	}
	path := filepath.Join(k.dir, fernetKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := fernet.DecodeKey(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		k.key = key
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read fernet key: %w", err)
	}

	var fresh fernet.Key
	if err := fresh.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	if err := os.WriteFile(path, []byte(fresh.Encode()), 0600); err != nil {
		return nil, fmt.Errorf("save fernet key: %w", err)
	}
	k.key = &fresh
	return &fresh, nil
}

func (k *Keystore) Encrypt(plaintext string) (string, error) {
	key, err := k.fernetKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (k *Keystore) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := k.fernetKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// LoadOrCreateHostKey returns the persisted ed25519 SSH host key,
// minting one on first use. Only the encrypted seed touches disk; the
// authorized-keys line sits alongside so users can pin the fingerprint.
func (k *Keystore) LoadOrCreateHostKey() (ed25519.PrivateKey, error) {
	path := filepath.Join(k.dir, sshHostKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		seedHex, err := k.Decrypt(string(data))
		if err != nil {
			return nil, fmt.Errorf("decrypt host key: %w", err)
		}
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("host key file corrupt")
		}
		priv := ed25519.NewKeyFromSeed(seed)
		k.writeHostPub(priv)
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	enc, err := k.Encrypt(hex.EncodeToString(priv.Seed()))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(enc), 0600); err != nil {
		return nil, fmt.Errorf("save host key: %w", err)
	}
	k.writeHostPub(priv)
	return priv, nil
}

// writeHostPub refreshes the public key line next to the encrypted host
// key. Best effort: the key still works if the pub file cannot be
// written.
func (k *Keystore) writeHostPub(priv ed25519.PrivateKey) {
	path := filepath.Join(k.dir, sshHostPubFile)
	if _, err := os.Stat(path); err == nil {
		return
	}
	sshPub, err := ssh.NewPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return
	}
	os.WriteFile(path, ssh.MarshalAuthorizedKey(sshPub), 0644)
}

// Mask redacts a secret for logs, keeping the last four characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

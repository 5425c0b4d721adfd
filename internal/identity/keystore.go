package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keystoreVersion = 1
	keystorePrefix  = "INBXKS1\n"
	saltSize        = 16
)

var (
	ErrKeystoreAuthFailed = errors.New("keystore authentication failed")
	ErrKeystoreInvalid    = errors.New("keystore envelope is invalid")
	ErrKeystoreNotFound   = errors.New("keystore not found")
)

// Keystore persists one identity snapshot encrypted at rest with a
// passphrase-derived key. deleteAndStop wipes it.
type Keystore struct {
	path       string
	passphrase string
}

type keystoreEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type identitySnapshot struct {
	InboxID              string `json:"inbox_id"`
	SigningPrivateKey    []byte `json:"signing_private_key"`
	EncryptionPrivateKey []byte `json:"encryption_private_key"`
	DatabaseKey          []byte `json:"database_key"`
	Provider             string `json:"provider,omitempty"`
	Account              string `json:"account,omitempty"`
}

func NewKeystore(path, passphrase string) *Keystore {
	return &Keystore{path: strings.TrimSpace(path), passphrase: passphrase}
}

func (k *Keystore) Save(id *Identity) error {
	snapshot := identitySnapshot{
		InboxID:              id.InboxID,
		SigningPrivateKey:    append([]byte(nil), id.SigningPrivateKey...),
		EncryptionPrivateKey: append([]byte(nil), id.EncryptionPrivateKey...),
		DatabaseKey:          append([]byte(nil), id.DatabaseKey...),
		Provider:             id.Provider,
		Account:              id.Account,
	}
	plaintext, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := deriveKeystoreKey(k.passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	env := keystoreEnvelope{
		Version:     keystoreVersion,
		KDF:         "argon2id",
		KDFTime:     2,
		KDFMemoryKB: 64 * 1024,
		KDFThreads:  1,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(k.path, append([]byte(keystorePrefix), raw...), 0o600)
}

func (k *Keystore) Load() (*Identity, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeystoreNotFound
		}
		return nil, err
	}
	if !strings.HasPrefix(string(data), keystorePrefix) {
		return nil, ErrKeystoreInvalid
	}
	var env keystoreEnvelope
	if err := json.Unmarshal(data[len(keystorePrefix):], &env); err != nil {
		return nil, ErrKeystoreInvalid
	}
	if env.Version != keystoreVersion || env.KDF != "argon2id" {
		return nil, ErrKeystoreInvalid
	}

	key := deriveKeystoreKey(k.passphrase, env.Salt)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrKeystoreAuthFailed
	}
	defer zeroBytes(plaintext)

	var snapshot identitySnapshot
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return nil, ErrKeystoreInvalid
	}
	return restoreIdentity(snapshot)
}

// Wipe removes the persisted identity; missing file is not an error.
func (k *Keystore) Wipe() error {
	err := os.Remove(k.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func restoreIdentity(snapshot identitySnapshot) (*Identity, error) {
	if len(snapshot.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrKeystoreInvalid
	}
	signingPriv := ed25519.PrivateKey(append([]byte(nil), snapshot.SigningPrivateKey...))
	signingPub := signingPriv.Public().(ed25519.PublicKey)
	encryptionPub, err := encryptionPublicKey(snapshot.EncryptionPrivateKey)
	if err != nil {
		return nil, ErrKeystoreInvalid
	}
	return &Identity{
		InboxID:              BuildInboxID(signingPub),
		SigningPrivateKey:    signingPriv,
		SigningPublicKey:     signingPub,
		EncryptionPrivateKey: append([]byte(nil), snapshot.EncryptionPrivateKey...),
		EncryptionPublicKey:  encryptionPub,
		DatabaseKey:          append([]byte(nil), snapshot.DatabaseKey...),
		Provider:             snapshot.Provider,
		Account:              snapshot.Account,
	}, nil
}

func deriveKeystoreKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	inboxIDPrefix = "inbx1"

	hkdfInfoSigning    = "inbox/identity/signing/v1"
	hkdfInfoEncryption = "inbox/identity/encryption/v1"
	hkdfInfoDatabase   = "inbox/identity/database/v1"
)

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrInvalidInboxID  = errors.New("invalid inbox id")
)

// Identity is the cryptographic messaging identity for one inbox: a
// signing key pair, an X25519 encryption key pair, and the locally
// generated database encryption key. Immutable after construction.
type Identity struct {
	InboxID              string
	SigningPrivateKey    ed25519.PrivateKey
	SigningPublicKey     ed25519.PublicKey
	EncryptionPrivateKey []byte
	EncryptionPublicKey  []byte
	DatabaseKey          []byte
	Provider             string
	Account              string
}

// New generates a fresh identity and returns the recovery mnemonic
// alongside it.
func New(provider, account string) (*Identity, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}
	id, err := FromMnemonic(mnemonic, provider, account)
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// FromMnemonic rebuilds the identity deterministically from a recovery
// mnemonic.
func FromMnemonic(mnemonic, provider, account string) (*Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	return fromSeed(seed, provider, account)
}

func fromSeed(seed []byte, provider, account string) (*Identity, error) {
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	encryptionPriv, err := hkdfExpand(seed, hkdfInfoEncryption, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	databaseKey, err := hkdfExpand(seed, hkdfInfoDatabase, 32)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)
	encryptionPub, err := curve25519.X25519(encryptionPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &Identity{
		InboxID:              BuildInboxID(signingPub),
		SigningPrivateKey:    signingPriv,
		SigningPublicKey:     signingPub,
		EncryptionPrivateKey: encryptionPriv,
		EncryptionPublicKey:  encryptionPub,
		DatabaseKey:          databaseKey,
		Provider:             provider,
		Account:              account,
	}, nil
}

// BuildInboxID derives the public inbox identifier from a signing key.
func BuildInboxID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return inboxIDPrefix + base58.Encode(sum[:20])
}

// ValidateInboxID checks shape only; it cannot verify key ownership.
func ValidateInboxID(id string) error {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, inboxIDPrefix) || len(id) < len(inboxIDPrefix)+12 {
		return ErrInvalidInboxID
	}
	if _, err := base58.Decode(id[len(inboxIDPrefix):]); err != nil {
		return ErrInvalidInboxID
	}
	return nil
}

func encryptionPublicKey(priv []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, errors.New("invalid encryption private key")
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

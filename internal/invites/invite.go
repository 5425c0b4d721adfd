// Package invites implements signed invite codes and the join-request
// manager that admits their senders into group conversations.
//
// An invite code is minted by a conversation's creator and travels out
// of band (QR code, link). Whoever received it sends it back as the text
// of a direct message; the creator's engine verifies the signature with
// its own public key and decrypts the embedded conversation token with
// its own private key, so the conversation id is never transmitted in
// the clear and only the minting inbox can act on the request.
package invites

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"aim-chat/inbox-engine/internal/identity"
)

const (
	inviteCodePrefix   = "aiminv1"
	inviteTokenKDFInfo = "inbox/invite/token/v1:"
)

var (
	ErrInvalidInviteSignature  = errors.New("invite signature verification failed")
	ErrInviteTokenUndecodable  = errors.New("invite conversation token cannot be decoded")
	ErrInvalidConversationType = errors.New("invite targets a non-group conversation")
)

type SignedInvite struct {
	// Payload stays raw so the signature covers the exact bytes that
	// were signed, independent of field ordering.
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

type InvitePayload struct {
	CreatorInboxID     string `json:"creator_inbox_id"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	ConversationToken  []byte `json:"conversation_token"`
	IssuedAt           int64  `json:"issued_at"`
}

// CreateInviteCode mints a signed invite for the conversation, sealed to
// the recipient's encryption key. Only the minting identity can later
// verify and decode it.
func CreateInviteCode(id *identity.Identity, recipientEncryptionPub []byte, conversationID string) (string, error) {
	if len(recipientEncryptionPub) != curve25519.PointSize {
		return "", errors.New("invalid recipient encryption key")
	}
	if strings.TrimSpace(conversationID) == "" {
		return "", errors.New("conversation id is required")
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return "", err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	shared, err := curve25519.X25519(ephPriv, recipientEncryptionPub)
	if err != nil {
		return "", err
	}
	key, err := tokenKey(shared, id.InboxID)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	token := append(nonce, aead.Seal(nil, nonce, []byte(conversationID), nil)...)

	payload, err := json.Marshal(InvitePayload{
		CreatorInboxID:     id.InboxID,
		EphemeralPublicKey: ephPub,
		ConversationToken:  token,
		IssuedAt:           time.Now().UnixNano(),
	})
	if err != nil {
		return "", err
	}
	invite := SignedInvite{
		Payload:   payload,
		Signature: ed25519.Sign(id.SigningPrivateKey, payload),
	}
	raw, err := json.Marshal(invite)
	if err != nil {
		return "", err
	}
	return inviteCodePrefix + base58.Encode(raw), nil
}

// ParseInviteCode reports whether text carries an invite. A false return
// is the normal outcome for ordinary chat text, never an error.
func ParseInviteCode(text string) (SignedInvite, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, inviteCodePrefix) {
		return SignedInvite{}, false
	}
	raw, err := base58.Decode(text[len(inviteCodePrefix):])
	if err != nil {
		return SignedInvite{}, false
	}
	var invite SignedInvite
	if err := json.Unmarshal(raw, &invite); err != nil {
		return SignedInvite{}, false
	}
	if len(invite.Payload) == 0 || len(invite.Signature) != ed25519.SignatureSize {
		return SignedInvite{}, false
	}
	return invite, true
}

// Verify checks the invite signature against pub. A failure here is
// security relevant: the text was invite-shaped but not signed by the
// expected key.
func Verify(invite SignedInvite, pub ed25519.PublicKey) (InvitePayload, error) {
	if !ed25519.Verify(pub, invite.Payload, invite.Signature) {
		return InvitePayload{}, ErrInvalidInviteSignature
	}
	var payload InvitePayload
	if err := json.Unmarshal(invite.Payload, &payload); err != nil {
		return InvitePayload{}, ErrInvalidInviteSignature
	}
	if payload.CreatorInboxID == "" || len(payload.EphemeralPublicKey) != curve25519.PointSize {
		return InvitePayload{}, ErrInvalidInviteSignature
	}
	return payload, nil
}

// DecodeConversationToken recovers the conversation id using the
// recipient's private encryption key and the creator inbox id bound
// into the key derivation.
func DecodeConversationToken(payload InvitePayload, recipientEncryptionPriv []byte) (string, error) {
	if len(recipientEncryptionPriv) != curve25519.ScalarSize {
		return "", ErrInviteTokenUndecodable
	}
	shared, err := curve25519.X25519(recipientEncryptionPriv, payload.EphemeralPublicKey)
	if err != nil {
		return "", ErrInviteTokenUndecodable
	}
	key, err := tokenKey(shared, payload.CreatorInboxID)
	if err != nil {
		return "", ErrInviteTokenUndecodable
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrInviteTokenUndecodable
	}
	if len(payload.ConversationToken) <= chacha20poly1305.NonceSizeX {
		return "", ErrInviteTokenUndecodable
	}
	nonce := payload.ConversationToken[:chacha20poly1305.NonceSizeX]
	ciphertext := payload.ConversationToken[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInviteTokenUndecodable
	}
	return string(plaintext), nil
}

func tokenKey(shared []byte, creatorInboxID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, shared, nil, []byte(inviteTokenKDFInfo+creatorInboxID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

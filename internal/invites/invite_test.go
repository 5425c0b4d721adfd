package invites

import (
	"encoding/json"
	"errors"
	"testing"

	"aim-chat/inbox-engine/internal/identity"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, _, err := identity.New("", "")
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	return id
}

func TestInviteRoundTrip(t *testing.T) {
	creator := newTestIdentity(t)

	code, err := CreateInviteCode(creator, creator.EncryptionPublicKey, "conv_42")
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}

	invite, ok := ParseInviteCode(code)
	if !ok {
		t.Fatal("minted code did not parse")
	}
	payload, err := Verify(invite, creator.SigningPublicKey)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if payload.CreatorInboxID != creator.InboxID {
		t.Fatalf("creator mismatch: %q", payload.CreatorInboxID)
	}

	conversationID, err := DecodeConversationToken(payload, creator.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if conversationID != "conv_42" {
		t.Fatalf("expected conv_42, got %q", conversationID)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	creator := newTestIdentity(t)
	stranger := newTestIdentity(t)

	code, err := CreateInviteCode(creator, creator.EncryptionPublicKey, "conv_1")
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}
	invite, ok := ParseInviteCode(code)
	if !ok {
		t.Fatal("minted code did not parse")
	}
	if _, err := Verify(invite, stranger.SigningPublicKey); !errors.Is(err, ErrInvalidInviteSignature) {
		t.Fatalf("expected ErrInvalidInviteSignature, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	creator := newTestIdentity(t)
	code, err := CreateInviteCode(creator, creator.EncryptionPublicKey, "conv_1")
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}
	invite, ok := ParseInviteCode(code)
	if !ok {
		t.Fatal("minted code did not parse")
	}

	var payload InvitePayload
	if err := json.Unmarshal(invite.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload failed: %v", err)
	}
	payload.CreatorInboxID = "inbx1forged"
	forged, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal forged payload failed: %v", err)
	}
	invite.Payload = forged

	if _, err := Verify(invite, creator.SigningPublicKey); !errors.Is(err, ErrInvalidInviteSignature) {
		t.Fatalf("expected ErrInvalidInviteSignature, got %v", err)
	}
}

func TestDecodeFailsWithWrongRecipientKey(t *testing.T) {
	creator := newTestIdentity(t)
	other := newTestIdentity(t)

	code, err := CreateInviteCode(creator, creator.EncryptionPublicKey, "conv_1")
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}
	invite, _ := ParseInviteCode(code)
	payload, err := Verify(invite, creator.SigningPublicKey)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if _, err := DecodeConversationToken(payload, other.EncryptionPrivateKey); !errors.Is(err, ErrInviteTokenUndecodable) {
		t.Fatalf("expected ErrInviteTokenUndecodable, got %v", err)
	}
}

func TestParseInviteCodeRejectsOrdinaryText(t *testing.T) {
	for _, text := range []string{"", "hello", "aiminv1", "aiminv1!!!not-base58", "https://example.com"} {
		if _, ok := ParseInviteCode(text); ok {
			t.Fatalf("text %q should not parse as an invite", text)
		}
	}
}

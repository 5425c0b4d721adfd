package identity

import (
	"bytes"
	"strings"
	"testing"
)

func TestFromMnemonicIsDeterministic(t *testing.T) {
	id, mnemonic, err := New("provider-a", "account-1")
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	if id.InboxID == "" || !strings.HasPrefix(id.InboxID, "inbx1") {
		t.Fatalf("unexpected inbox id %q", id.InboxID)
	}

	restored, err := FromMnemonic(mnemonic, "provider-a", "account-1")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.InboxID != id.InboxID {
		t.Fatalf("inbox id mismatch: %q vs %q", restored.InboxID, id.InboxID)
	}
	if !bytes.Equal(restored.SigningPrivateKey, id.SigningPrivateKey) {
		t.Fatal("signing keys differ across restores")
	}
	if !bytes.Equal(restored.EncryptionPrivateKey, id.EncryptionPrivateKey) {
		t.Fatal("encryption keys differ across restores")
	}
	if !bytes.Equal(restored.DatabaseKey, id.DatabaseKey) {
		t.Fatal("database keys differ across restores")
	}
}

func TestFromMnemonicRejectsGarbage(t *testing.T) {
	if _, err := FromMnemonic("not a real mnemonic phrase", "p", "a"); err != ErrInvalidMnemonic {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestKeyRolesAreIndependent(t *testing.T) {
	id, _, err := New("", "")
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	if bytes.Equal(id.SigningPrivateKey[:32], id.EncryptionPrivateKey) {
		t.Fatal("signing seed and encryption key must differ")
	}
	if bytes.Equal(id.EncryptionPrivateKey, id.DatabaseKey) {
		t.Fatal("encryption key and database key must differ")
	}
}

func TestValidateInboxID(t *testing.T) {
	id, _, err := New("", "")
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}

	cases := []struct {
		name    string
		inboxID string
		wantErr bool
	}{
		{"valid", id.InboxID, false},
		{"empty", "", true},
		{"wrong prefix", "abcd1" + id.InboxID[5:], true},
		{"too short", "inbx1abc", true},
		{"bad base58", "inbx10OIl0OIl0OIl", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInboxID(tc.inboxID)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q", tc.inboxID)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.inboxID, err)
			}
		})
	}
}

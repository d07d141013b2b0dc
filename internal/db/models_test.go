package db

import (
	"errors"
	"testing"
)

func TestMaskedClientID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"3MVG9abcdef1234", "***********1234"},
		{"abcd", "****"},
		{"ab", "**"},
		{"", ""},
	}
	for _, tc := range tests {
		c := Client{OAuthClientID: tc.in}
		if got := c.MaskedClientID(); got != tc.want {
			t.Fatalf("MaskedClientID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClientBeforeSave(t *testing.T) {
	valid := Client{
		TopicName:     "/data/AccountChangeEvent",
		OAuthUsername: "user@example.com",
		OAuthPassword: "pw",
	}

	if err := valid.BeforeSave(nil); err != nil {
		t.Fatalf("valid client rejected: %v", err)
	}

	badTopic := valid
	badTopic.TopicName = "/x"
	if err := badTopic.BeforeSave(nil); !errors.Is(err, errTopicNameInvalid) {
		t.Fatalf("short topic err = %v, want errTopicNameInvalid", err)
	}

	noUser := valid
	noUser.OAuthUsername = ""
	if err := noUser.BeforeSave(nil); !errors.Is(err, errCredentialsIncomplete) {
		t.Fatalf("missing username err = %v, want errCredentialsIncomplete", err)
	}

	noPassword := valid
	noPassword.OAuthPassword = ""
	if err := noPassword.BeforeSave(nil); !errors.Is(err, errCredentialsIncomplete) {
		t.Fatalf("missing password err = %v, want errCredentialsIncomplete", err)
	}
}

func TestEncryptedStringRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-key"))
	if err := InitEncryption(key); err != nil {
		t.Fatalf("InitEncryption returned %v", err)
	}

	original := EncryptedString("s3cret-client-secret")
	stored, err := original.Value()
	if err != nil {
		t.Fatalf("Value returned %v", err)
	}
	if stored == string(original) {
		t.Fatal("value stored in cleartext")
	}

	var loaded EncryptedString
	if err := loaded.Scan(stored); err != nil {
		t.Fatalf("Scan returned %v", err)
	}
	if loaded != original {
		t.Fatalf("round trip = %q, want %q", loaded, original)
	}
}

func TestEncryptedStringEmptyPassthrough(t *testing.T) {
	key := make([]byte, 32)
	if err := InitEncryption(key); err != nil {
		t.Fatalf("InitEncryption returned %v", err)
	}

	stored, err := EncryptedString("").Value()
	if err != nil {
		t.Fatalf("Value returned %v", err)
	}
	if stored != "" {
		t.Fatalf("empty value stored as %q", stored)
	}

	var loaded EncryptedString
	if err := loaded.Scan(""); err != nil {
		t.Fatalf("Scan returned %v", err)
	}
	if loaded != "" {
		t.Fatalf("Scan of empty = %q", loaded)
	}
}

func TestInitEncryptionRejectsShortKey(t *testing.T) {
	if err := InitEncryption([]byte("short")); err == nil {
		t.Fatal("short key accepted")
	}
}

package opsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func TestNewRejectsUnusableSecrets(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("empty secret: expected ErrMissingSecret, got %v", err)
	}
	if _, err := New(Placeholder); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("placeholder secret: expected ErrMissingSecret, got %v", err)
	}
	if _, err := New("a-real-secret"); err != nil {
		t.Errorf("real secret: unexpected error %v", err)
	}
}

func TestSignIsDeterministicAndCanonical(t *testing.T) {
	signer, err := New("test-secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tag := signer.Sign("post-1", OpAnonDelete)
	if tag != signer.Sign("post-1", OpAnonDelete) {
		t.Error("same inputs produced different tags")
	}
	if tag == signer.Sign("post-1", OpAnonUpdate) {
		t.Error("different operations produced the same tag")
	}
	if tag == signer.Sign("post-2", OpAnonDelete) {
		t.Error("different subjects produced the same tag")
	}

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte("post-1:anon_delete"))
	if expected := hex.EncodeToString(mac.Sum(nil)); tag != expected {
		t.Errorf("tag is not HMAC-SHA256 over subject:op, got %s want %s", tag, expected)
	}
}

func TestSignConversionBindsBothIdentities(t *testing.T) {
	signer, err := New("test-secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tag := signer.SignConversion("anon-1", "user-1")
	if tag != signer.SignConversion("anon-1", "user-1") {
		t.Error("same identity pair produced different tags")
	}
	if tag == signer.SignConversion("anon-1", "user-2") {
		t.Error("different destination produced the same tag")
	}
	if tag == signer.SignConversion("user-1", "anon-1") {
		t.Error("swapped identities produced the same tag")
	}

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte("anon-1:user-1:convert"))
	if expected := hex.EncodeToString(mac.Sum(nil)); tag != expected {
		t.Errorf("conversion tag mismatch, got %s want %s", tag, expected)
	}
}

func TestDifferentSecretsProduceDifferentTags(t *testing.T) {
	a, _ := New("secret-a")
	b, _ := New("secret-b")
	if a.Sign("post-1", OpReadHash) == b.Sign("post-1", OpReadHash) {
		t.Error("tags must depend on the secret")
	}
}

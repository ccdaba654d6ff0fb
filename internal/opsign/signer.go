// Package opsign produces the keyed tags that authorize privileged
// operations against rows the row-level policies would otherwise protect.
// The verifying side lives in the database (SECURITY DEFINER functions that
// recompute the tag from their own copy of the secret); this package only
// guarantees correctly-canonicalized input and an unforgeable tag.
package opsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Operation names accepted by the signed bypass functions.
const (
	OpReadHash   = "read_hash"
	OpAnonUpdate = "anon_update"
	OpAnonDelete = "anon_delete"
)

// Placeholder is the development default. A deployment that never replaced
// it would produce forgeable tags, so New refuses it outright.
const Placeholder = "maltlog-dev-ops-secret"

var ErrMissingSecret = errors.New("opsign: ops secret is missing or still the placeholder")

type Signer struct {
	secret []byte
}

// New returns a Signer or ErrMissingSecret when the secret is unusable.
// Callers must treat that error as fatal at startup, never as recoverable.
func New(secret string) (*Signer, error) {
	if secret == "" || secret == Placeholder {
		return nil, ErrMissingSecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign computes the tag authorizing operation op on the row subjectID.
func (s *Signer) Sign(subjectID, op string) string {
	return s.tag(subjectID + ":" + op)
}

// SignConversion computes the tag authorizing the bulk re-ownership of
// src's anonymous posts to dst.
func (s *Signer) SignConversion(src, dst string) string {
	return s.tag(src + ":" + dst + ":convert")
}

func (s *Signer) tag(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Package webhook ingests platform webhook traffic: subscription
// verification, payload signature checks, envelope routing, idempotent
// materialization into the conversation store, and realtime broadcast of
// what changed.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

const signaturePrefix = "sha256="

// Sign computes the X-Hub-Signature-256 value for a body under a secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 header against the raw
// request body. The digest comparison is constant time; the reported
// error never distinguishes a missing header from a wrong digest.
func VerifySignature(header string, body []byte, secret string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return errors.ErrSignatureMismatch
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return errors.ErrSignatureMismatch
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return errors.ErrSignatureMismatch
	}
	return nil
}

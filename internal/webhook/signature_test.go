package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	header := Sign(body, "app-secret")
	require.NoError(t, VerifySignature(header, body, "app-secret"))
}

func TestVerifySignatureRejects(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	valid := Sign(body, "app-secret")

	cases := []struct {
		name   string
		header string
		body   []byte
		secret string
	}{
		{"tampered body", valid, []byte(`{"object":"page","x":1}`), "app-secret"},
		{"wrong secret", valid, body, "other-secret"},
		{"missing header", "", body, "app-secret"},
		{"wrong scheme", "sha1=deadbeef", body, "app-secret"},
		{"undecodable digest", "sha256=not-hex", body, "app-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(tc.header, tc.body, tc.secret)
			assert.ErrorIs(t, err, errors.ErrSignatureMismatch)
		})
	}
}

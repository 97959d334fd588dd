package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	// echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"

	assert.Equal(t, expected, Sign("secret", []byte("payload")))
	assert.Equal(t, "sha256="+expected, SignatureHeader("secret", []byte("payload")))
}

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"event":"fundedDeal.created","id":"d1"}`)

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(payload)
	independent := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, independent, Sign("whsec", payload))
	assert.Equal(t, Sign("whsec", payload), Sign("whsec", payload))
	assert.NotEqual(t, Sign("whsec", payload), Sign("other", payload))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"fundedDeal.updated"}`)
	sig := Sign("secret", body)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"prefixed", "sha256=" + sig, true},
		{"bare hex", sig, true},
		{"wrong secret", SignatureHeader("nope", body), false},
		{"not hex", "sha256=zzzz", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify("secret", body, tt.header))
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	_, err = hex.DecodeString(a)
	assert.NoError(t, err)
}

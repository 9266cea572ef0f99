package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/laboro/internal/common"
)

func testSignerConfig() *common.SignerConfig {
	return &common.SignerConfig{
		URLLifetime:    900,
		ServiceAccount: "cutout-signer@localhost",
		Secret:         "test-secret",
		BaseURL:        "https://example.com/download",
	}
}

func TestSignRebasesResultURL(t *testing.T) {
	s, err := NewHMACSigner(testSignerConfig())
	require.NoError(t, err)

	signed, err := s.Sign("s3://some-bucket/1/cutout.fits", "application/fits")
	require.NoError(t, err)

	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "https", parsed.Scheme)
	assert.Equal(t, "example.com", parsed.Host)
	assert.Equal(t, "/download/some-bucket/1/cutout.fits", parsed.Path)
	assert.Equal(t, "cutout-signer@localhost", parsed.Query().Get("key_id"))
	assert.NotEmpty(t, parsed.Query().Get("signature"))
}

func TestSignExpiryHonorsLifetime(t *testing.T) {
	s, err := NewHMACSigner(testSignerConfig())
	require.NoError(t, err)

	signed, err := s.Sign("s3://bucket/p", "application/fits")
	require.NoError(t, err)

	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	require.NoError(t, err)

	expected := common.Now().Add(900 * time.Second).Unix()
	assert.InDelta(t, expected, expires, 5)
}

func TestSignSignatureIsVerifiable(t *testing.T) {
	config := testSignerConfig()
	s, err := NewHMACSigner(config)
	require.NoError(t, err)

	signed, err := s.Sign("s3://bucket/path/to/object", "image/png")
	require.NoError(t, err)

	parsed, err := url.Parse(signed)
	require.NoError(t, err)

	canonical := parsed.Path + "\n" + "image/png" + "\n" + parsed.Query().Get("expires")
	mac := hmac.New(sha256.New, []byte(config.Secret))
	mac.Write([]byte(canonical))
	expected := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, parsed.Query().Get("signature"))
}

func TestSignRejectsUnsupportedScheme(t *testing.T) {
	s, err := NewHMACSigner(testSignerConfig())
	require.NoError(t, err)

	_, err = s.Sign("https://example.com/already-public", "text/plain")
	assert.Error(t, err)

	_, err = s.Sign("s3://", "text/plain")
	assert.Error(t, err)
}

func TestNewHMACSignerValidatesConfig(t *testing.T) {
	config := testSignerConfig()
	config.Secret = ""
	_, err := NewHMACSigner(config)
	assert.Error(t, err)

	config = testSignerConfig()
	config.BaseURL = "not a url at all\x7f"
	_, err = NewHMACSigner(config)
	assert.Error(t, err)

	config = testSignerConfig()
	config.BaseURL = "/relative/only"
	_, err = NewHMACSigner(config)
	assert.Error(t, err)
}

package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
)

// HMACSigner mints time-limited download URLs for internal result locations.
// An s3:// or gs:// location is rebased onto the public base URL and signed
// with an HMAC-SHA256 over path, content type and expiry, so the download
// service can verify the grant without holding job state.
type HMACSigner struct {
	baseURL  *url.URL
	secret   []byte
	keyID    string
	lifetime time.Duration
}

// NewHMACSigner creates a signer from the signer configuration
func NewHMACSigner(config *common.SignerConfig) (interfaces.URLSigner, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("signer secret is required")
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signer base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("signer base URL must be absolute: %s", config.BaseURL)
	}

	return &HMACSigner{
		baseURL:  base,
		secret:   []byte(config.Secret),
		keyID:    config.ServiceAccount,
		lifetime: config.URLLifetimeDuration(),
	}, nil
}

// Sign converts an internal result URL into a signed public URL
func (s *HMACSigner) Sign(resultURL, mimeType string) (string, error) {
	parsed, err := url.Parse(resultURL)
	if err != nil {
		return "", fmt.Errorf("invalid result URL %q: %w", resultURL, err)
	}
	if parsed.Scheme != "s3" && parsed.Scheme != "gs" {
		return "", fmt.Errorf("unsupported result URL scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("result URL %q has no bucket", resultURL)
	}

	// Bucket plus object key become the public path under the base URL
	objectPath := strings.TrimSuffix(s.baseURL.Path, "/") + "/" + parsed.Host + parsed.Path

	expires := common.Now().Add(s.lifetime).Unix()
	signature := s.signature(objectPath, mimeType, expires)

	signed := url.URL{
		Scheme: s.baseURL.Scheme,
		Host:   s.baseURL.Host,
		Path:   objectPath,
	}
	query := url.Values{}
	query.Set("expires", strconv.FormatInt(expires, 10))
	query.Set("key_id", s.keyID)
	query.Set("signature", signature)
	signed.RawQuery = query.Encode()

	return signed.String(), nil
}

func (s *HMACSigner) signature(objectPath, mimeType string, expires int64) string {
	canonical := objectPath + "\n" + mimeType + "\n" + strconv.FormatInt(expires, 10)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

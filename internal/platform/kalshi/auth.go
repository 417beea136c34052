package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var errNoSigningKey = errors.New("kalshi: RSA private key not configured")

// parseRSAKey accepts PKCS#8 or PKCS#1 PEM.
func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("kalshi: private key is not PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: private key is %T, want RSA", parsed)
	}
	return k, nil
}

// SetRSAPrivateKey configures the order-signing key from PEM bytes.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	k, err := parseRSAKey(pemBytes)
	if err != nil {
		return err
	}
	c.privateKey = k
	return nil
}

// SetInlinePrivateKey accepts a key as stored in an environment variable:
// PEM with literal "\n" escapes, or base64-encoded PEM.
func (c *Client) SetInlinePrivateKey(s string) error {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "BEGIN") {
		return c.SetRSAPrivateKey([]byte(strings.ReplaceAll(s, `\n`, "\n")))
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return c.SetRSAPrivateKey(decoded)
	}
	return c.SetRSAPrivateKey([]byte(s))
}

// sign sets the KALSHI-ACCESS-* headers: an RSA-PSS/SHA-256 signature over
// the millisecond timestamp, the method and the full URL path.
func (c *Client) sign(req *http.Request) error {
	if c.privateKey == nil {
		return errNoSigningKey
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	digest := sha256.Sum256([]byte(ts + req.Method + req.URL.Path))
	sig, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, digest[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return fmt.Errorf("kalshi: sign request: %w", err)
	}

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return nil
}

// Package storage turns media locators into URLs a client can fetch.
//
// A locator is either an absolute URL, returned unchanged, or an object key.
// Object keys resolve against a public base URL when one is configured, and
// otherwise against an S3-compatible bucket (Cloudflare R2, AWS S3, MinIO)
// as a short-lived presigned GET using AWS Signature Version 4 query-string
// authentication.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yourflock/roost-entitlements/internal/clock"
)

// DefaultURLTTL is how long a presigned URL stays valid.
const DefaultURLTTL = 15 * time.Minute

// maxURLTTL is the SigV4 ceiling for X-Amz-Expires (7 days).
const maxURLTTL = 7 * 24 * time.Hour

var ErrNotConfigured = errors.New("storage: set a public base URL or endpoint, access key and secret key")

// Config selects how object keys are resolved. PublicBaseURL wins when set.
type Config struct {
	PublicBaseURL string
	// Endpoint is the S3 API origin, e.g. https://{account_id}.r2.cloudflarestorage.com.
	Endpoint string
	// Bucket is appended to the path. Leave empty when the endpoint already
	// addresses the bucket (virtual-hosted style).
	Bucket    string
	AccessKey string
	SecretKey string
	// Region defaults to "auto", which is what R2 expects.
	Region string
	TTL    time.Duration
}

// Signer resolves locators. It is immutable after New and safe for
// concurrent use.
type Signer struct {
	publicBase string
	endpoint   *url.URL
	bucket     string
	accessKey  string
	secretKey  string
	region     string
	ttl        time.Duration
	clock      clock.Clock
}

// New validates cfg and returns a Signer. A nil clock means the real clock.
func New(cfg Config, clk clock.Clock) (*Signer, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Signer{
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		bucket:     strings.Trim(cfg.Bucket, "/"),
		accessKey:  cfg.AccessKey,
		secretKey:  cfg.SecretKey,
		region:     cfg.Region,
		ttl:        cfg.TTL,
		clock:      clk,
	}
	if s.region == "" {
		s.region = "auto"
	}
	if s.ttl <= 0 {
		s.ttl = DefaultURLTTL
	}
	if s.ttl > maxURLTTL {
		s.ttl = maxURLTTL
	}

	if s.publicBase != "" {
		if !isAbsolute(s.publicBase) {
			return nil, fmt.Errorf("storage: public base URL %q is not absolute", cfg.PublicBaseURL)
		}
		return s, nil
	}
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("storage: endpoint %q is not an absolute http(s) URL", cfg.Endpoint)
	}
	s.endpoint = u
	return s, nil
}

// ResolveURL implements entitlement.URLSigner.
func (s *Signer) ResolveURL(_ context.Context, locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", errors.New("storage: empty locator")
	}
	if isAbsolute(locator) {
		return locator, nil
	}
	key := strings.TrimLeft(locator, "/")
	if s.publicBase != "" {
		return s.publicBase + "/" + escapePath(key), nil
	}
	return s.presignGet(key, s.clock.Now().UTC()), nil
}

func isAbsolute(locator string) bool {
	u, err := url.Parse(locator)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// presignGet builds a SigV4 query-string-authenticated GET for key.
func (s *Signer) presignGet(key string, now time.Time) string {
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)

	path := "/" + key
	if s.bucket != "" {
		path = "/" + s.bucket + path
	}
	if s.endpoint.Path != "" && s.endpoint.Path != "/" {
		path = strings.TrimRight(s.endpoint.Path, "/") + path
	}
	canonicalURI := escapePath(path)

	query := map[string]string{
		"X-Amz-Algorithm":     "AWS4-HMAC-SHA256",
		"X-Amz-Credential":    s.accessKey + "/" + credentialScope,
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       strconv.Itoa(int(s.ttl / time.Second)),
		"X-Amz-SignedHeaders": "host",
	}
	canonicalQuery := canonicalQueryString(query)

	canonicalRequest := strings.Join([]string{
		"GET",
		canonicalURI,
		canonicalQuery,
		"host:" + s.endpoint.Host + "\n",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(s.secretKey, dateStamp, s.region, "s3")
	signature := hexHMAC(signingKey, []byte(stringToSign))

	return s.endpoint.Scheme + "://" + s.endpoint.Host + canonicalURI +
		"?" + canonicalQuery + "&X-Amz-Signature=" + signature
}

func canonicalQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = awsEscape(k, true) + "=" + awsEscape(params[k], true)
	}
	return strings.Join(parts, "&")
}

func escapePath(p string) string {
	return awsEscape(p, false)
}

// awsEscape applies SigV4 URI encoding: unreserved characters pass through,
// everything else is %XX with uppercase hex. Slashes are kept in paths.
func awsEscape(s string, encodeSlash bool) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// ── AWS Sig V4 helpers ────────────────────────────────────────────────────────

func hexSHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexHMAC(key, data []byte) string {
	return hex.EncodeToString(rawHMAC(key, data))
}

func rawHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// deriveSigningKey produces the AWS V4 signing key for a given date, region, and service.
func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := rawHMAC([]byte("AWS4"+secret), []byte(date))
	kRegion := rawHMAC(kDate, []byte(region))
	kService := rawHMAC(kRegion, []byte(service))
	return rawHMAC(kService, []byte("aws4_request"))
}

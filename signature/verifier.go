package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-guard/core"
)

const (
	DefaultHeader    = "X-Webhook-Signature"
	DefaultTolerance = 5 * time.Minute

	timestampKey = "t"
	schemeV1     = "v1"
)

// Verifier checks signed webhook headers of the form
// t=<unixSeconds>,v1=<hexHmacSha256>. The HMAC covers "<t>:<rawBody>" so a
// replayed body cannot be re-stamped with a fresh timestamp.
type Verifier struct {
	Secret    string
	Header    string
	Tolerance time.Duration
	Now       func() time.Time
}

func New(secret string) *Verifier {
	return &Verifier{
		Secret:    strings.TrimSpace(secret),
		Header:    DefaultHeader,
		Tolerance: DefaultTolerance,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Verify checks one raw header value against the body. Malformed headers are
// validation failures; a wrong signature or a timestamp outside the replay
// window is an authentication failure.
func (v *Verifier) Verify(header string, body []byte) error {
	if v == nil {
		return validationError("signature: verifier is required", "verifier")
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return validationError("signature: signing secret is required", "secret")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return validationError("signature: signature header is required", "header")
	}

	parsed, err := parseHeader(header)
	if err != nil {
		return err
	}

	expected := computeDigest(secret, parsed.timestamp, body)
	matched := false
	for _, candidate := range parsed.candidates {
		if subtle.ConstantTimeCompare(candidate, expected) == 1 {
			matched = true
		}
	}
	if !matched {
		return unauthenticatedError("signature: signature mismatch", nil)
	}

	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	issuedAt := time.Unix(parsed.timestamp, 0).UTC()
	delta := now.Sub(issuedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > tolerance {
		return unauthenticatedError("signature: timestamp outside replay window", map[string]any{
			"timestamp":    parsed.timestamp,
			"delta_ms":     delta.Milliseconds(),
			"tolerance_ms": tolerance.Milliseconds(),
		})
	}
	return nil
}

// VerifyRequest looks up the configured header (case-insensitive) and
// verifies it against the body.
func (v *Verifier) VerifyRequest(headers map[string]string, body []byte) error {
	if v == nil {
		return validationError("signature: verifier is required", "verifier")
	}
	name := strings.TrimSpace(v.Header)
	if name == "" {
		name = DefaultHeader
	}
	return v.Verify(headerValue(headers, name), body)
}

// Sign produces a header value the Verifier accepts. Clients of outbound
// webhooks and tests use it.
func Sign(secret string, issuedAt time.Time, body []byte) string {
	digest := computeDigest(strings.TrimSpace(secret), issuedAt.Unix(), body)
	return fmt.Sprintf("%s=%d,%s=%s", timestampKey, issuedAt.Unix(), schemeV1, hex.EncodeToString(digest))
}

type parsedHeader struct {
	timestamp  int64
	candidates [][]byte
}

// parseHeader accepts pairs in any order and ignores unknown schemes. Every
// v1 value is kept so callers can rotate keys inside the replay window.
func parseHeader(header string) (parsedHeader, error) {
	var (
		parsed       parsedHeader
		seenUnixTime bool
	)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return parsedHeader{}, validationError("signature: malformed header segment", "header")
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case timestampKey:
			timestamp, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return parsedHeader{}, validationError("signature: timestamp is not an integer", "t")
			}
			parsed.timestamp = timestamp
			seenUnixTime = true
		case schemeV1:
			decoded, err := hex.DecodeString(value)
			if err != nil {
				return parsedHeader{}, validationError("signature: signature is not valid hex", "v1")
			}
			parsed.candidates = append(parsed.candidates, decoded)
		default:
			// future schemes (v2, ...) pass through unverified
		}
	}
	if !seenUnixTime {
		return parsedHeader{}, validationError("signature: timestamp segment is required", "t")
	}
	if len(parsed.candidates) == 0 {
		return parsedHeader{}, validationError("signature: v1 signature segment is required", "v1")
	}
	return parsed, nil
}

func computeDigest(secret string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = mac.Write([]byte(":"))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func validationError(message string, field string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.NewValidation(message, goerrors.FieldError{
			Field:   field,
			Message: message,
		}),
	)
}

func unauthenticatedError(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryAuth).
		WithTextCode(core.GuardErrorUnauthenticated)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return core.EnsureGuardErrorEnvelope(err)
}

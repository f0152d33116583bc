package signature

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-guard/core"
)

func TestVerifier_AcceptsFreshSignedHeader(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte(`{"event":"order.created","id":"evt_1"}`)

	header := Sign("shh", now, body)
	if err := verifier.Verify(header, body); err != nil {
		t.Fatalf("verify fresh header: %v", err)
	}
}

func TestVerifier_HeaderSegmentsAreOrderInsensitive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte("payload")

	header := Sign("shh", now, body)
	timestampPart, signaturePart, found := strings.Cut(header, ",")
	if !found {
		t.Fatalf("expected two header segments, got %q", header)
	}
	flipped := signaturePart + "," + timestampPart
	if err := verifier.Verify(flipped, body); err != nil {
		t.Fatalf("verify flipped header: %v", err)
	}
}

func TestVerifier_TriesEveryCandidateSignature(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte("payload")

	good := Sign("shh", now, body)
	_, goodSig, _ := strings.Cut(good, ",")
	stale := Sign("old-secret", now, body)
	_, staleSig, _ := strings.Cut(stale, ",")

	header := fmt.Sprintf("t=%d,%s,%s", now.Unix(), staleSig, goodSig)
	if err := verifier.Verify(header, body); err != nil {
		t.Fatalf("verify rotated-key header: %v", err)
	}
}

func TestVerifier_IgnoresUnknownSchemes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte("payload")

	header := Sign("shh", now, body) + ",v2=not-even-hex"
	if err := verifier.Verify(header, body); err != nil {
		t.Fatalf("verify header with unknown scheme: %v", err)
	}
}

func TestVerifier_RejectsTamperedBody(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)

	header := Sign("shh", now, []byte(`{"amount":10}`))
	err := verifier.Verify(header, []byte(`{"amount":99}`))
	assertUnauthenticated(t, err)
}

func TestVerifier_RejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte("payload")

	header := Sign("shh", now.Add(-(DefaultTolerance + time.Second)), body)
	err := verifier.Verify(header, body)
	assertUnauthenticated(t, err)
}

func TestVerifier_ToleranceBoundaryIsInclusive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte("payload")

	past := Sign("shh", now.Add(-DefaultTolerance), body)
	if err := verifier.Verify(past, body); err != nil {
		t.Fatalf("verify at past boundary: %v", err)
	}
	future := Sign("shh", now.Add(DefaultTolerance), body)
	if err := verifier.Verify(future, body); err != nil {
		t.Fatalf("verify at future boundary: %v", err)
	}
}

func TestVerifier_RejectsMalformedHeaders(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte("payload")

	good := Sign("shh", now, body)
	_, goodSig, _ := strings.Cut(good, ",")

	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"garbage", "not-a-signature"},
		{"missing timestamp", goodSig},
		{"missing signature", fmt.Sprintf("t=%d", now.Unix())},
		{"non-integer timestamp", "t=yesterday," + goodSig},
		{"bad hex", fmt.Sprintf("t=%d,v1=zzzz", now.Unix())},
	}
	for _, tc := range cases {
		err := verifier.Verify(tc.header, body)
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) {
			t.Fatalf("%s: expected rich error, got %T", tc.name, err)
		}
		if richErr.TextCode != core.GuardErrorValidation {
			t.Fatalf("%s: expected validation text code, got %q", tc.name, richErr.TextCode)
		}
		if richErr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, richErr.Code)
		}
	}
}

func TestVerifier_RequiresSecret(t *testing.T) {
	verifier := New("  ")
	err := verifier.Verify("t=1,v1=abcd", []byte("payload"))
	if err == nil {
		t.Fatalf("expected secret validation error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.GuardErrorValidation {
		t.Fatalf("expected validation envelope, got %v", err)
	}
}

func TestVerifyRequest_HeaderLookupIsCaseInsensitive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(now)
	body := []byte("payload")

	headers := map[string]string{
		"x-webhook-signature": Sign("shh", now, body),
		"Content-Type":        "application/json",
	}
	if err := verifier.VerifyRequest(headers, body); err != nil {
		t.Fatalf("verify request: %v", err)
	}

	err := verifier.VerifyRequest(map[string]string{"Content-Type": "application/json"}, body)
	if err == nil {
		t.Fatalf("expected missing header error")
	}
}

func assertUnauthenticated(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected unauthenticated error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected rich error, got %T", err)
	}
	if richErr.TextCode != core.GuardErrorUnauthenticated {
		t.Fatalf("expected unauthenticated text code, got %q", richErr.TextCode)
	}
	if richErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", richErr.Code)
	}
}

func newTestVerifier(now time.Time) *Verifier {
	verifier := New("shh")
	verifier.Now = func() time.Time { return now }
	return verifier
}

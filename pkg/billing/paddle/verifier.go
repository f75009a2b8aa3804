package paddle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

const (
	// SignatureHeader carries "ts=<unix>;h1=<hex>" or, from older
	// notification settings, a bare hex HMAC.
	SignatureHeader = "Paddle-Signature"

	// TimestampHeader carries the signing timestamp for bare hex signatures.
	TimestampHeader = "Paddle-Timestamp"

	// DefaultSignatureTolerance is the accepted clock distance between the
	// signing timestamp and now.
	DefaultSignatureTolerance = 5 * time.Minute
)

// Verifier authenticates Paddle webhook bodies with the endpoint secret key.
type Verifier struct {
	secret        []byte
	tolerance     time.Duration
	skipTolerance bool
	now           func() time.Time
}

// NewVerifier creates a Verifier. A zero tolerance uses
// DefaultSignatureTolerance. skipTolerance disables the freshness check and
// must only be set for sandbox endpoints.
func NewVerifier(secret string, tolerance time.Duration, skipTolerance bool) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &Verifier{
		secret:        []byte(strings.TrimSpace(secret)),
		tolerance:     tolerance,
		skipTolerance: skipTolerance,
		now:           time.Now,
	}
}

// VerifyRequest checks the signature headers of r against body.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) error {
	return v.Verify(body, r.Header.Get(SignatureHeader), r.Header.Get(TimestampHeader))
}

// Verify checks body against a signature header. legacyTimestamp is only
// read when the header holds a bare hex signature. The returned error wraps
// subscription.ErrInvalidSignature and names the failed check.
func (v *Verifier) Verify(body []byte, header, legacyTimestamp string) error {
	if len(v.secret) == 0 {
		return invalid("webhook secret not configured")
	}
	if len(body) == 0 {
		return invalid("empty payload")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return invalid("missing signature header")
	}

	ts, candidates, err := parseSignatureHeader(header, legacyTimestamp)
	if err != nil {
		return err
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return invalid("malformed timestamp")
	}
	if !v.skipTolerance {
		skew := v.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return invalid(fmt.Sprintf("timestamp outside tolerance (%s)", skew.Round(time.Second)))
		}
	}

	expected := []byte(computeSignature(v.secret, ts, body))
	for _, candidate := range candidates {
		if hmac.Equal(expected, []byte(strings.ToLower(candidate))) {
			return nil
		}
	}
	return invalid("signature mismatch")
}

// parseSignatureHeader returns the signing timestamp and the candidate
// signatures. Paddle may send several h1 values while rotating secrets.
func parseSignatureHeader(header, legacyTimestamp string) (string, []string, error) {
	if !strings.Contains(header, "=") {
		if _, err := hex.DecodeString(header); err != nil || len(header) != sha256.Size*2 {
			return "", nil, invalid("malformed signature header")
		}
		ts := strings.TrimSpace(legacyTimestamp)
		if ts == "" {
			return "", nil, invalid("missing timestamp for legacy signature")
		}
		return ts, []string{header}, nil
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "h1":
			if value = strings.TrimSpace(value); value != "" {
				candidates = append(candidates, value)
			}
		}
	}
	if ts == "" || len(candidates) == 0 {
		return "", nil, invalid("malformed signature header")
	}
	return ts, candidates, nil
}

func computeSignature(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", subscription.ErrInvalidSignature, reason)
}

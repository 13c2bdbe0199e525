package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/disputesync/internal/capability"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks body against the signature header declared by spec.
// Every comparison is constant time.
func VerifySignature(spec capability.SignatureSpec, secret []byte, header http.Header, body []byte, now time.Time) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}
	provided := strings.TrimSpace(header.Get(spec.Header))
	if provided == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, spec.Header)
	}

	switch spec.Scheme {
	case capability.SignatureHexHMAC:
		if spec.Prefix != "" {
			trimmed, ok := strings.CutPrefix(provided, spec.Prefix)
			if !ok {
				return fmt.Errorf("%w: expected %q prefix", ErrInvalidSignature, spec.Prefix)
			}
			provided = trimmed
		}
		got, err := hex.DecodeString(provided)
		if err != nil {
			return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
		}
		if !hmac.Equal(got, sign(secret, body)) {
			return ErrInvalidSignature
		}
		return nil

	case capability.SignatureBase64HMAC:
		got, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(provided, spec.Prefix))
		if err != nil {
			return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
		}
		if !hmac.Equal(got, sign(secret, body)) {
			return ErrInvalidSignature
		}
		return nil

	case capability.SignatureStripeV1:
		return verifyStripeV1(provided, secret, body, spec.Tolerance, now)

	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSignature, spec.Scheme)
	}
}

// verifyStripeV1 accepts "t=<unix>,v1=<hex>[,v1=<hex>...]" signed over
// "<t>.<body>". Any matching v1 entry is enough, which allows secret rotation
// on the provider side.
func verifyStripeV1(provided string, secret, body []byte, tolerance time.Duration, now time.Time) error {
	var (
		timestamp  string
		candidates [][]byte
	)
	for _, part := range strings.Split(provided, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			if decoded, err := hex.DecodeString(value); err == nil {
				candidates = append(candidates, decoded)
			}
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	matched := false
	for _, candidate := range candidates {
		if hmac.Equal(candidate, expected) {
			matched = true
		}
	}
	if !matched {
		return ErrInvalidSignature
	}
	return nil
}

func sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign produces the header value a provider would send for body. Tests and
// the operator CLI use it to craft deliveries.
func Sign(spec capability.SignatureSpec, secret, body []byte, now time.Time) string {
	switch spec.Scheme {
	case capability.SignatureBase64HMAC:
		return spec.Prefix + base64.StdEncoding.EncodeToString(sign(secret, body))
	case capability.SignatureStripeV1:
		ts := strconv.FormatInt(now.Unix(), 10)
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
	default:
		return spec.Prefix + hex.EncodeToString(sign(secret, body))
	}
}

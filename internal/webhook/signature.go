// Package webhook ingests payment-processor events: verify the signature,
// persist the raw event keyed by the processor's event id, then atomically
// claim and dispatch to an idempotent handler. Duplicate deliveries and
// concurrent claims collapse to a single processing run.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

// DefaultTolerance bounds how old a signed payload may be.
const DefaultTolerance = 5 * time.Minute

// VerifySignature checks a processor signature header of the form
// "t=<unix>,v1=<hex hmac>". The signed payload is "<t>.<body>".
func VerifySignature(body []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return hxerr.ErrBadSignature.Wrapf("bad timestamp")
			}
			ts = v
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return hxerr.ErrBadSignature.Wrapf("malformed header")
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return hxerr.ErrBadSignature.Wrapf("timestamp outside tolerance")
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return hxerr.ErrBadSignature
}

// Sign produces a valid signature header (test helper and outbound mocks).
func Sign(body []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

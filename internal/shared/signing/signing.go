// Package signing implements the canonical-JSON HMAC scheme used to sign
// job completion and failure payloads.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SecretSize is the length in bytes of a job's signing_secret.
const SecretSize = 32

// NewSecret returns a fresh random signing secret, issued once per job
// claim.
func NewSecret() ([]byte, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("signing: new secret: %w", err)
	}
	return b, nil
}

// Canonical renders v as JSON with object keys sorted lexicographically
// and no insignificant whitespace.
// v must be JSON-marshalable; typically a map[string]any or a struct that
// round-trips through json.Marshal/Unmarshal into one.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("signing: unmarshal: %w", err)
	}
	var buf []byte
	buf, err = appendCanonical(buf, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	case float64:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	case json.Number:
		return append(buf, val.String()...), nil
	case []any:
		buf = append(buf, '[')
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("signing: unsupported type %T", v)
	}
}

// Sign computes HMAC-SHA256(secret, canonical_json(payload)) and returns
// it as 64 lowercase hex characters.
func Sign(secret []byte, payload any) (string, error) {
	data, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is the correct HMAC-SHA256 of payload
// under secret. Comparison is constant-time.
func Verify(secret []byte, payload any, signature string) (bool, error) {
	want, err := Sign(secret, payload)
	if err != nil {
		return false, err
	}
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false, nil
	}
	wantBytes, err := hex.DecodeString(want)
	if err != nil {
		return false, err
	}
	return hmac.Equal(wantBytes, got), nil
}

// Package guid encodes and decodes the 30-character external identifiers
// used everywhere outside the database: a 3-letter entity prefix, an
// underscore, and a 26-character Crockford Base32 body encoding a 128-bit
// UUID.
package guid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Crockford's alphabet: no i, l, o, u, to avoid confusion with 1, 1, 0, v.
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// Prefix identifies the entity type encoded in a GUID.
type Prefix string

const (
	Agent      Prefix = "agt"
	Job        Prefix = "job"
	Result     Prefix = "res"
	Collection Prefix = "col"
	Connector  Prefix = "con"
	Pipeline   Prefix = "pip"
	Release    Prefix = "rel"
	Profile    Prefix = "prf"
	Org        Prefix = "org"
	Location   Prefix = "loc"
	Category   Prefix = "cat"
	Team       Prefix = "tea"
)

var ErrMalformed = errors.New("guid: malformed")
var ErrPrefixMismatch = errors.New("guid: prefix mismatch")

// bodyLen is the number of Crockford characters needed to hold 128 bits:
// ceil(128/5) = 26.
const bodyLen = 26

// New generates a fresh GUID with the given prefix, backed by a random
// UUID v7 so IDs remain roughly time-ordered at the database layer.
func New(p Prefix) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the OS entropy source is broken; NewRandom
		// never does, so fall back rather than panic.
		id = uuid.New()
	}
	return Encode(p, id)
}

// Encode renders a prefix and a UUID as a canonical lowercase GUID string.
func Encode(p Prefix, id uuid.UUID) string {
	return string(p) + "_" + encodeBody(id[:])
}

// Parse validates s against the GUID grammar and, if wantPrefix is
// non-empty, checks the prefix matches. Input is case-insensitive;
// returned components are canonical lowercase.
func Parse(s string, wantPrefix Prefix) (Prefix, uuid.UUID, error) {
	s = strings.ToLower(s)
	if len(s) != 3+1+bodyLen {
		return "", uuid.UUID{}, fmt.Errorf("%w: length %d", ErrMalformed, len(s))
	}
	if s[3] != '_' {
		return "", uuid.UUID{}, fmt.Errorf("%w: missing separator", ErrMalformed)
	}
	prefix := Prefix(s[:3])
	for _, c := range prefix {
		if c < 'a' || c > 'z' {
			return "", uuid.UUID{}, fmt.Errorf("%w: prefix %q", ErrMalformed, prefix)
		}
	}
	body := s[4:]
	for _, c := range body {
		if strings.IndexRune(alphabet, c) < 0 {
			return "", uuid.UUID{}, fmt.Errorf("%w: character %q", ErrMalformed, c)
		}
	}
	if wantPrefix != "" && prefix != wantPrefix {
		return "", uuid.UUID{}, fmt.Errorf("%w: want %q got %q", ErrPrefixMismatch, wantPrefix, prefix)
	}
	id, err := decodeBody(body)
	if err != nil {
		return "", uuid.UUID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return prefix, id, nil
}

// Valid reports whether s is a syntactically valid GUID, optionally
// constrained to wantPrefix. It never looks at the database.
func Valid(s string, wantPrefix Prefix) bool {
	_, _, err := Parse(s, wantPrefix)
	return err == nil
}

// encodeBody packs 16 bytes (128 bits) into 26 Crockford Base32 characters,
// 5 bits at a time, zero-padded on the low end of the final character.
func encodeBody(b []byte) string {
	var bits uint64
	var nbits uint
	out := make([]byte, 0, bodyLen)
	bi := 0
	for len(out) < bodyLen {
		for nbits < 5 && bi < len(b) {
			bits = bits<<8 | uint64(b[bi])
			nbits += 8
			bi++
		}
		if nbits < 5 {
			out = append(out, alphabet[(bits<<(5-nbits))&0x1f])
			nbits = 0
			continue
		}
		shift := nbits - 5
		out = append(out, alphabet[(bits>>shift)&0x1f])
		nbits -= 5
	}
	return string(out)
}

// decodeBody is the inverse of encodeBody.
func decodeBody(s string) (uuid.UUID, error) {
	var bits uint64
	var nbits uint
	out := make([]byte, 0, 16)
	for i := 0; i < len(s); i++ {
		v := strings.IndexByte(alphabet, s[i])
		if v < 0 {
			return uuid.UUID{}, fmt.Errorf("invalid character %q", s[i])
		}
		bits = bits<<5 | uint64(v)
		nbits += 5
		if nbits >= 8 {
			shift := nbits - 8
			out = append(out, byte(bits>>shift))
			nbits -= 8
		}
	}
	var id uuid.UUID
	if len(out) < 16 {
		return uuid.UUID{}, fmt.Errorf("short body: %d bytes", len(out))
	}
	copy(id[:], out[:16])
	return id, nil
}

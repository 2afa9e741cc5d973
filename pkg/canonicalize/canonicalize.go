// Package canonicalize produces the byte sequence used for every hash and
// signature in the mesh. It is the only hashing surface: callers hash Go
// values, never raw pre-encoded bytes, so two structurally equivalent inputs
// always digest identically.
//
// Rules applied on top of RFC 8785 (JCS):
//   - strings are NFC-normalized
//   - timestamps are rewritten to UTC ISO-8601 with millisecond precision
//   - integral floats collapse to integers (ES6 number serialization)
package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the canonical JSON encoding of v.
//
// v is first marshaled with encoding/json so struct tags are respected, then
// decoded generically (numbers preserved via json.Number), normalized, and
// finally transformed with JCS for key ordering and number formatting.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	normalized := normalize(generic)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonicalize: re-encode failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalize walks the decoded tree applying NFC and timestamp rules.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return normalizeString(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// normalizeString applies NFC normalization and, when the string is a full
// RFC 3339 timestamp, rewrites it to UTC with millisecond precision.
func normalizeString(s string) string {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return FormatTime(ts)
	}
	return norm.NFC.String(s)
}

// FormatTime renders t in the mesh's canonical timestamp form: UTC ISO-8601
// with a Z suffix and millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// SortedStrings returns a sorted, deduplicated copy of in. Set-valued fields
// must pass through this before canonicalization.
func SortedStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/marcus-qen/lictor/internal/fault"
)

// Canonicalize rewrites a JSON document into its canonical form: object keys
// sorted, no insignificant whitespace, number literals preserved verbatim.
// The same plan always canonicalises to the same bytes regardless of how the
// caller formatted it.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "plan is not valid JSON")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	case string, bool, nil:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		return fmt.Errorf("unexpected JSON value %T", v)
	}
	return nil
}

// DeriveKey computes the idempotency key for a canonicalised plan submitted
// by (tenant, actor). Deterministic: re-deriving from the stored snapshot
// yields the same key.
func DeriveKey(canonical []byte, tenantID, actorID string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte("\n"))
	h.Write([]byte(tenantID))
	h.Write([]byte("\n"))
	h.Write([]byte(actorID))
	return hex.EncodeToString(h.Sum(nil))
}

// Package canon renders structured values as deterministic JSON and
// fingerprints them. Replicas hash and sign these bytes, so two values
// that are semantically equal must canonicalize byte-for-byte equal:
// object keys are sorted, numeric formatting is fixed, and non-finite
// numbers are rejected.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/twmb/murmur3"
)

var ErrNotFinite = errors.New("non-finite number is not canonicalizable")

// Marshal returns the canonical JSON encoding of v. Arbitrary Go values
// are first flattened through encoding/json, so anything json.Marshal
// accepts is accepted here.
func Marshal(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canon: marshal")
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, errors.Wrap(err, "canon: decode")
	}
	var buf bytes.Buffer
	if err := write(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns a 32-character hex fingerprint of the canonical encoding
// of v (murmur3 x64 128-bit).
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	h1, h2 := murmur3.Sum128(b)
	return fmt.Sprintf("%016x%016x", h1, h2), nil
}

func write(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return errors.Wrap(err, "canon: string")
		}
		buf.Write(enc)
	case json.Number:
		return writeNumber(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
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
			enc, err := json.Marshal(k)
			if err != nil {
				return errors.Wrap(err, "canon: key")
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := write(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.Errorf("canon: unexpected decoded type %T", v)
	}
	return nil
}

// Integers print as plain decimals; everything else goes through the
// shortest float64 round-trip form so all replicas agree on the digits.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return ErrNotFinite
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

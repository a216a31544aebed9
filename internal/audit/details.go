package audit

import (
	"github.com/tidwall/sjson"
)

// Details is the context attached to an audit entry. Keys keep the order in
// which they were added; they must be plain identifiers.
type Details struct {
	raw []byte
	err error
}

// With returns a copy of d with key set to value.
func (d Details) With(key string, value any) Details {
	if d.err != nil {
		return d
	}
	base := make([]byte, len(d.raw))
	copy(base, d.raw)
	updated, err := sjson.SetBytes(base, key, value)
	if err != nil {
		return Details{raw: d.raw, err: err}
	}
	return Details{raw: updated}
}

// JSON returns the compact JSON object, "{}" when empty.
func (d Details) JSON() string {
	if len(d.raw) == 0 {
		return "{}"
	}
	return string(d.raw)
}

// Err reports the first encoding failure, if any.
func (d Details) Err() error {
	return d.err
}

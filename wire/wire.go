// Package wire converts host values to the byte forms the engine boundary
// expects and decodes engine bytes back into strings.
//
// Text crosses the boundary as UTF-8 bytes that are valid only for the
// duration of one boundary call. Structured configuration (input maps and
// font path lists) crosses as a single JSON document; an empty value is
// encoded as no bytes at all, which the engine reads as "use defaults".
package wire

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	json "github.com/goccy/go-json"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// SmallTextLimit is the largest input encoded into a fixed-size pooled
// buffer. Longer inputs rent a growable buffer instead.
const SmallTextLimit = 4096

// EncodingError reports input that cannot be represented on the wire.
type EncodingError struct {
	What   string
	Offset int
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: invalid UTF-8 at byte %d", e.What, e.Offset)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// smallPool holds fixed arrays so renting one for a short string costs no
// allocation once the pool is warm.
var smallPool = sync.Pool{
	New: func() any { return new([SmallTextLimit]byte) },
}

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 64*1024)
		return &b
	},
}

// Text validates s as UTF-8, copies it into a boundary-ready buffer and
// calls fn with it. The slice must not be retained after fn returns. A
// leading byte-order mark is passed through unchanged.
func Text(what, s string, fn func([]byte) error) error {
	if len(s) <= SmallTextLimit {
		small := smallPool.Get().(*[SmallTextLimit]byte)
		defer smallPool.Put(small)
		dst, err := encodeInto(what, small[:len(s)], s)
		if err != nil {
			return err
		}
		defer clear(dst)
		return fn(dst)
	}

	bp := pool.Get().(*[]byte)
	defer pool.Put(bp)
	if cap(*bp) < len(s) {
		*bp = make([]byte, 0, len(s))
	}
	dst, err := encodeInto(what, (*bp)[:len(s)], s)
	if err != nil {
		return err
	}
	defer clear(dst)
	return fn(dst)
}

// Bytes validates b as UTF-8 and returns it unchanged. Empty input yields nil.
func Bytes(what string, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if _, _, err := transform.Bytes(encoding.UTF8Validator, b); err != nil {
		return nil, &EncodingError{What: what, Offset: invalidOffset(b), Err: err}
	}
	return b, nil
}

// encodeInto validates and copies s into dst in one pass.
func encodeInto(what string, dst []byte, s string) ([]byte, error) {
	if len(s) == 0 {
		return dst[:0], nil
	}
	src := unsafe.Slice(unsafe.StringData(s), len(s))
	n, _, err := encoding.UTF8Validator.Transform(dst, src, true)
	if err != nil {
		return nil, &EncodingError{What: what, Offset: n, Err: err}
	}
	return dst[:n], nil
}

// Inputs encodes a key/value map as a JSON object. An empty map encodes
// to nil.
func Inputs(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	for k, v := range m {
		if _, err := Bytes("input key", []byte(k)); err != nil {
			return nil, err
		}
		if _, err := Bytes("input "+k, []byte(v)); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	return b, nil
}

// FontPaths encodes a list of paths as a JSON array. An empty list
// encodes to nil.
func FontPaths(paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	for _, p := range paths {
		if _, err := Bytes("font path", []byte(p)); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return nil, fmt.Errorf("encode font paths: %w", err)
	}
	return b, nil
}

// DecodeText turns engine bytes into a string. Nil or empty input is the
// empty string.
func DecodeText(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return string(b)
}

// IsEncodingError reports whether err is an EncodingError.
func IsEncodingError(err error) bool {
	var ee *EncodingError
	return errors.As(err, &ee)
}

func invalidOffset(b []byte) int {
	n, _, _ := encoding.UTF8Validator.Transform(make([]byte, len(b)), b, true)
	return n
}

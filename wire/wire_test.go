package wire

import (
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"golang.org/x/text/encoding"
)

func TestTextSmallAndLarge(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"ascii", "= Hello"},
		{"multibyte", "Grüße, 世界"},
		{"at limit", strings.Repeat("a", SmallTextLimit)},
		{"over limit", strings.Repeat("ß", SmallTextLimit)},
		{"byte order mark", "\ufeff= Title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			err := Text("source", tt.in, func(b []byte) error {
				got = string(b)
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.in {
				t.Errorf("round trip changed input: %d bytes in, %d bytes out", len(tt.in), len(got))
			}
		})
	}
}

func TestTextSmallIsAllocationFree(t *testing.T) {
	fn := func([]byte) error { return nil }
	allocs := testing.AllocsPerRun(100, func() {
		if err := Text("source", "= Hello", fn); err != nil {
			t.Fatal(err)
		}
	})
	if allocs != 0 {
		t.Errorf("expected no allocations for a short source, got %v", allocs)
	}
}

func TestTextInvalidUTF8(t *testing.T) {
	tests := []struct {
		in     string
		offset int
	}{
		{"ab\xffcd", 2},
		{strings.Repeat("x", SmallTextLimit+10) + "\xc3", SmallTextLimit + 10},
	}
	for _, tt := range tests {
		in := tt.in
		called := false
		err := Text("source", in, func([]byte) error {
			called = true
			return nil
		})
		var ee *EncodingError
		if !errors.As(err, &ee) {
			t.Fatalf("expected *EncodingError, got %v", err)
		}
		if !errors.Is(err, encoding.ErrInvalidUTF8) {
			t.Errorf("expected ErrInvalidUTF8 cause, got %v", ee.Err)
		}
		if ee.Offset != tt.offset {
			t.Errorf("expected offset %d, got %d", tt.offset, ee.Offset)
		}
		if called {
			t.Error("callback ran for invalid input")
		}
	}
}

func TestTextPropagatesCallbackError(t *testing.T) {
	boom := errors.New("boundary failed")
	if err := Text("source", "ok", func([]byte) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestInputs(t *testing.T) {
	b, err := Inputs(nil)
	if err != nil || b != nil {
		t.Fatalf("empty map must encode to nil, got %q, %v", b, err)
	}
	if b, _ := Inputs(map[string]string{}); b != nil {
		t.Errorf("empty map must encode to nil, got %q", b)
	}

	b, err = Inputs(map[string]string{"name": "World", "quote": `"x"`})
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]string
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	if back["name"] != "World" || back["quote"] != `"x"` {
		t.Errorf("unexpected decoded inputs %v", back)
	}

	if _, err := Inputs(map[string]string{"k": "\xfe"}); !IsEncodingError(err) {
		t.Errorf("expected EncodingError for invalid value, got %v", err)
	}
}

func TestFontPaths(t *testing.T) {
	if b, err := FontPaths(nil); err != nil || b != nil {
		t.Fatalf("empty list must encode to nil, got %q, %v", b, err)
	}
	b, err := FontPaths([]string{"/usr/share/fonts", "./fonts"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `["/usr/share/fonts","./fonts"]` {
		t.Errorf("unexpected encoding %s", b)
	}
	if _, err := FontPaths([]string{"\xff"}); !IsEncodingError(err) {
		t.Errorf("expected EncodingError, got %v", err)
	}
}

func TestBytes(t *testing.T) {
	if b, err := Bytes("path", nil); b != nil || err != nil {
		t.Errorf("expected nil, got %q, %v", b, err)
	}
	if b, err := Bytes("path", []byte("/pkgs")); err != nil || string(b) != "/pkgs" {
		t.Errorf("unexpected result %q, %v", b, err)
	}
	_, err := Bytes("path", []byte("ok\x80"))
	var ee *EncodingError
	if !errors.As(err, &ee) || ee.Offset != 2 {
		t.Errorf("expected EncodingError at offset 2, got %v", err)
	}
}

func TestDecodeText(t *testing.T) {
	if DecodeText(nil) != "" || DecodeText([]byte{}) != "" {
		t.Error("empty input must decode to the empty string")
	}
	if DecodeText([]byte("warning")) != "warning" {
		t.Error("unexpected decode")
	}
}

func BenchmarkTextSmall(b *testing.B) {
	src := strings.Repeat("= Heading\n", 64)
	for b.Loop() {
		Text("source", src, func([]byte) error { return nil })
	}
}

func BenchmarkTextLarge(b *testing.B) {
	src := strings.Repeat("= Heading\n", 4096)
	for b.Loop() {
		Text("source", src, func([]byte) error { return nil })
	}
}

package il2patch

import (
	"bytes"
	"errors"
	"testing"
)

func TestParsePattern(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{"spaced", "AA BB CC", []byte{0xAA, 0xBB, 0xCC}},
		{"lowercase", "aa bb cc", []byte{0xAA, 0xBB, 0xCC}},
		{"compact", "AABBCC", []byte{0xAA, 0xBB, 0xCC}},
		{"0x prefixes", "0xAA, 0xBB,0XCC", []byte{0xAA, 0xBB, 0xCC}},
		{"glued 0x prefixes", "0xAA0xBB0x0C", []byte{0xAA, 0xBB, 0x0C}},
		{"zero before x inside a pair", "A0xB0", []byte{0xA0, 0xB0}},
		{"dashes", "aa-bb-cc", []byte{0xAA, 0xBB, 0xCC}},
		{"escaped", `\x1F\x20`, []byte{0x1F, 0x20}},
		{"leading zero byte", "00 0A", []byte{0x00, 0x0A}},
		{"newlines", "\n  1F 20\n  03 D5\n", []byte{0x1F, 0x20, 0x03, 0xD5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePattern(tt.input)
			if err != nil {
				t.Fatalf("ParsePattern(%q) failed: %v", tt.input, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ParsePattern(%q) = % X, want % X", tt.input, []byte(got), tt.want)
			}
		})
	}
}

func TestParsePattern_Invalid(t *testing.T) {
	for _, input := range []string{"", "   ", "ABC", "0x", "zz yy"} {
		_, err := ParsePattern(input)
		if err == nil {
			t.Errorf("ParsePattern(%q) should fail", input)
			continue
		}
		if !errors.Is(err, ErrPatternDecode) {
			t.Errorf("ParsePattern(%q) error should wrap ErrPatternDecode, got %v", input, err)
		}
	}
}

func TestBytePatternString(t *testing.T) {
	p := MustParsePattern("1f 20 03 d5")
	if got := p.String(); got != "1F 20 03 D5" {
		t.Errorf("String() = %q, want %q", got, "1F 20 03 D5")
	}
	if p.Len() != 4 {
		t.Errorf("Len() = %d, want 4", p.Len())
	}
	if !p.Equal(BytePattern{0x1F, 0x20, 0x03, 0xD5}) {
		t.Error("Equal() should be true for identical bytes")
	}
}

func TestFind(t *testing.T) {
	haystack := []byte{0x01, 0xAA, 0xBB, 0x02, 0xAA, 0xBB, 0xCC}

	tests := []struct {
		name     string
		haystack []byte
		needle   []byte
		want     int
	}{
		{"first occurrence", haystack, []byte{0xAA, 0xBB}, 1},
		{"later only", haystack, []byte{0xAA, 0xBB, 0xCC}, 4},
		{"at start", haystack, []byte{0x01}, 0},
		{"at end", haystack, []byte{0xCC}, 6},
		{"whole haystack", haystack, haystack, 0},
		{"absent", haystack, []byte{0xDE, 0xAD}, -1},
		{"empty needle", haystack, nil, -1},
		{"needle longer than haystack", []byte{0xAA}, []byte{0xAA, 0xBB}, -1},
		{"empty haystack", nil, []byte{0xAA}, -1},
		{"partial match at end", []byte{0x00, 0xAA}, []byte{0xAA, 0xBB}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Find(tt.haystack, tt.needle); got != tt.want {
				t.Errorf("Find() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFind_MinimalOffset(t *testing.T) {
	// Every offset below the result must not match
	haystack := testPayload(512, 300, []byte{0x06, 0x00, 0x01})
	needle := []byte{0x06, 0x00, 0x01}

	off := Find(haystack, needle)
	if off < 0 {
		t.Fatal("needle should be found")
	}
	if !bytes.Equal(haystack[off:off+len(needle)], needle) {
		t.Fatalf("bytes at %d do not match needle", off)
	}
	for i := 0; i < off; i++ {
		if bytes.Equal(haystack[i:i+len(needle)], needle) {
			t.Fatalf("earlier match at %d, Find returned %d", i, off)
		}
	}
}

func TestFindFrom(t *testing.T) {
	haystack := []byte{0xAA, 0xBB, 0x00, 0xAA, 0xBB}
	needle := []byte{0xAA, 0xBB}

	if got := FindFrom(haystack, needle, 0); got != 0 {
		t.Errorf("FindFrom(0) = %d, want 0", got)
	}
	if got := FindFrom(haystack, needle, 1); got != 3 {
		t.Errorf("FindFrom(1) = %d, want 3", got)
	}
	if got := FindFrom(haystack, needle, 4); got != -1 {
		t.Errorf("FindFrom(4) = %d, want -1", got)
	}
	if got := FindFrom(haystack, needle, 99); got != -1 {
		t.Errorf("FindFrom(99) = %d, want -1", got)
	}
}

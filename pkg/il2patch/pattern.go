package il2patch

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// BytePattern is an immutable sequence of bytes decoded from a lenient hex string
type BytePattern []byte

// ParsePattern decodes a hex string such as "AA BB CC", "0xAA,0xBB" or "aa-bb".
// Token prefixes (0x) and every other non-hex character are stripped first.
func ParsePattern(s string) (BytePattern, error) {
	cleaned := hexDigits(s)

	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: no hex digits in %q", ErrPatternDecode, s)
	}
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of hex digits (%d) in %q", ErrPatternDecode, len(cleaned), s)
	}

	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatternDecode, err)
	}
	return BytePattern(b), nil
}

// hexDigits keeps only hex digits. A 0x prefix is dropped when it starts a
// byte pair, so "0xAA0xBB" yields "AABB" while "A0 0B" keeps its zeros.
func hexDigits(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '0' && i+1 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') && sb.Len()%2 == 0 {
			i++
			continue
		}
		if isHexDigit(c) {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// MustParsePattern is like ParsePattern but panics on error
func MustParsePattern(s string) BytePattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the pattern length in bytes
func (p BytePattern) Len() int { return len(p) }

// Equal reports whether both patterns hold the same bytes
func (p BytePattern) Equal(o BytePattern) bool { return bytes.Equal(p, o) }

func (p BytePattern) String() string {
	var sb strings.Builder
	for i, b := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// Find returns the lowest offset at which needle occurs in haystack, or -1.
// An empty needle, or one longer than haystack, is never found.
func Find(haystack, needle []byte) int {
	n, m := len(haystack), len(needle)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i <= n-m; i++ {
		if haystack[i] != needle[0] {
			continue
		}
		j := 1
		for j < m && haystack[i+j] == needle[j] {
			j++
		}
		if j == m {
			return i
		}
	}
	return -1
}

// FindFrom searches haystack[start:] and returns an offset relative to haystack, or -1
func FindFrom(haystack, needle []byte, start int) int {
	if start < 0 || start > len(haystack) {
		return -1
	}
	off := Find(haystack[start:], needle)
	if off < 0 {
		return -1
	}
	return start + off
}

// Package textconv converts between Go strings and the forms OS calls
// expect: NUL-terminated narrow byte strings on POSIX and NUL-terminated
// UTF-16 on Windows. It also carries the bounded copies used for thread
// names and for the fixed-size buffers of the crash path.
package textconv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// ErrEmbeddedNUL is returned when a string cannot be passed to the OS
// because it contains a NUL byte.
var ErrEmbeddedNUL = errors.New("textconv: string contains NUL byte")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ToNarrow returns s as a NUL-terminated byte slice.
func ToNarrow(s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, ErrEmbeddedNUL
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

// FromNarrow converts a narrow OS string back, stopping at the first NUL.
func FromNarrow(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ToWide returns s as NUL-terminated UTF-16 code units. Invalid UTF-8 is
// replaced with U+FFFD.
func ToWide(s string) ([]uint16, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, ErrEmbeddedNUL
	}
	raw, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode utf-16: %w", err)
	}
	out := make([]uint16, len(raw)/2+1)
	for i := 0; i+1 < len(raw); i += 2 {
		out[i/2] = binary.LittleEndian.Uint16(raw[i:])
	}
	return out, nil
}

// FromWide decodes UTF-16 code units up to the first NUL.
func FromWide(w []uint16) string {
	n := len(w)
	for i, c := range w {
		if c == 0 {
			n = i
			break
		}
	}
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], w[i])
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return string(out)
}

// Truncate returns the longest prefix of s that fits in max bytes without
// splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Mangle shortens s to at most max bytes by keeping its head and its tail.
// Thread names tend to differ at the end ("Worker 12"), so the tail is
// kept longer than the head.
func Mangle(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max < 4 {
		return Truncate(s, max)
	}
	headLen := (max - 1) / 2
	tailLen := max - headLen
	head := Truncate(s, headLen)
	tail := s[len(s)-tailLen:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return head + tail
}

// CopyFixed copies s into dst, truncating as needed, and always leaves dst
// NUL-terminated. It does not allocate, so it is usable from the crash path.
// It returns the number of bytes copied excluding the terminator.
func CopyFixed(dst []byte, s string) int {
	if len(dst) == 0 {
		return 0
	}
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
	return n
}

// AppendFixed appends s at offset off of dst, keeping the NUL terminator
// inside dst. It returns the new offset.
func AppendFixed(dst []byte, off int, s string) int {
	if off < 0 || off >= len(dst) {
		return off
	}
	return off + CopyFixed(dst[off:], s)
}

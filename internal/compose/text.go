package compose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime/quotedprintable"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
)

// maxLineLength is the RFC 5322 hard limit, excluding CRLF.
const maxLineLength = 998

// Wrap breaks lines longer than width runes at the last space that fits.
// Words longer than width are left whole. Line breaks in text are "\n".
func Wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = wrapLine(line, width)
	}
	return strings.Join(lines, "\n")
}

func wrapLine(line string, width int) string {
	var b strings.Builder
	for utf8.RuneCountInString(line) > width {
		cut := breakPoint(line, width)
		if cut <= 0 {
			break
		}
		b.WriteString(strings.TrimRight(line[:cut], " "))
		b.WriteByte('\n')
		line = strings.TrimLeft(line[cut:], " ")
	}
	b.WriteString(line)
	return b.String()
}

// breakPoint returns the byte offset of the last space within the first
// width+1 runes, or of the first space after that, or -1.
func breakPoint(line string, width int) int {
	last := -1
	runes := 0
	for i, r := range line {
		if runes > width {
			break
		}
		if r == ' ' && i > 0 {
			last = i
		}
		runes++
	}
	if last > 0 {
		return last
	}
	if i := strings.IndexByte(line[1:], ' '); i >= 0 {
		return i + 1
	}
	return -1
}

// EncodeCharset transcodes UTF-8 text into charset.
func EncodeCharset(text, charset string) ([]byte, error) {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8", "us-ascii":
		return []byte(text), nil
	}

	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}

	out, err := enc.NewEncoder().String(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text as %s: %w", charset, err)
	}
	return []byte(out), nil
}

// encodeText picks 7bit for plain ASCII with short lines and
// quoted-printable otherwise. Line breaks in the result are CRLF.
func encodeText(data []byte) ([]byte, string) {
	if isSevenBit(data) {
		return bytes.ReplaceAll(data, []byte("\n"), []byte(crlf)), "7bit"
	}

	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes(), "quoted-printable"
}

func isSevenBit(data []byte) bool {
	lineLen := 0
	for _, c := range data {
		if c >= 0x80 || c == '\r' {
			return false
		}
		if c == '\n' {
			lineLen = 0
			continue
		}
		lineLen++
		if lineLen > maxLineLength {
			return false
		}
	}
	return true
}

// EncodeBase64Lines encodes data to base64 with 76-character lines per
// RFC 2045.
func EncodeBase64Lines(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, crlf)
}

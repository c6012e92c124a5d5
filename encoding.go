package clapsql

import (
	"bufio"
	"bytes"
	"io"
)

// On-disk framing of a single row inside a sub-table file:
//
//	obfuscate(encode(row)) + rowEnd + lineSep
//
// The end marker, not the line separator, delimits rows, so payloads may span lines.
const (
	rowEnd       = " ~end"
	lineSep      = "\n"
	rowSeparator = rowEnd + lineSep

	obfuscationShift byte = 1
)

func obfuscate(buf []byte, text string) []byte {
	off, buf := grow(buf, len(text))
	for i := 0; i < len(text); i++ {
		buf[off+i] = text[i] + obfuscationShift
	}
	return buf
}

func unobfuscate(raw []byte) string {
	out := make([]byte, len(raw))
	for i, c := range raw {
		out[i] = c - obfuscationShift
	}
	return string(out)
}

func appendFramedRow(buf []byte, text string) []byte {
	buf = obfuscate(buf, text)
	return append(buf, rowSeparator...)
}

// scanFramedRows invokes fn with every complete, de-obfuscated payload read from r.
// A trailing fragment that never reaches an end marker is dropped; its size is
// returned so callers can report it.
func scanFramedRows(r io.Reader, fn func(text string) error) (dropped int, err error) {
	br := bufio.NewReader(r)
	var pending []byte
	for {
		line, rerr := br.ReadBytes('\n')
		pending = append(pending, line...)

		if bytes.HasSuffix(pending, []byte(rowSeparator)) {
			if err := fn(unobfuscate(pending[:len(pending)-len(rowSeparator)])); err != nil {
				return 0, err
			}
			pending = pending[:0]
		}

		if rerr == io.EOF {
			break
		} else if rerr != nil {
			return 0, rerr
		}
	}

	// the last row of a file written without a final line separator
	if bytes.HasSuffix(pending, []byte(rowEnd)) {
		if err := fn(unobfuscate(pending[:len(pending)-len(rowEnd)])); err != nil {
			return 0, err
		}
		pending = pending[:0]
	}
	return len(pending), nil
}

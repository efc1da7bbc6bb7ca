package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// decodeToUTF8 detects the extract's encoding, strips any BOM, and returns
// UTF-8 bytes plus the detected encoding name.
//
// Detection order: UTF-8 BOM, UTF-16 LE/BE BOM, valid UTF-8, Windows-1252
// fallback. 1252 is a superset of Latin-1, so it covers both of the legacy
// encodings SIS exports show up in.
func decodeToUTF8(data []byte) ([]byte, string, error) {
	if len(data) == 0 {
		return data, "utf-8", nil
	}

	switch {
	case bytes.HasPrefix(data, bomUTF8):
		return data[len(bomUTF8):], "utf-8-bom", nil

	case bytes.HasPrefix(data, bomUTF16LE):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
		out, err := dec.Bytes(data[2:])
		if err != nil {
			return nil, "", fmt.Errorf("utf-16le decode: %w", err)
		}
		return out, "utf-16le", nil

	case bytes.HasPrefix(data, bomUTF16BE):
		dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
		out, err := dec.Bytes(data[2:])
		if err != nil {
			return nil, "", fmt.Errorf("utf-16be decode: %w", err)
		}
		return out, "utf-16be", nil

	case utf8.Valid(data):
		return data, "utf-8", nil

	default:
		out, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, "", fmt.Errorf("windows-1252 decode: %w", err)
		}
		return out, "windows-1252", nil
	}
}

// sniffDelimiter picks comma or tab by counting occurrences outside quotes
// on the header line. Ties and zero counts fall back to comma.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}

	commas, tabs := 0, 0
	inQuotes := false
	for _, b := range line {
		switch b {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				commas++
			}
		case '\t':
			if !inQuotes {
				tabs++
			}
		}
	}
	if tabs > commas {
		return '\t'
	}
	return ','
}

// normalizeHeader strips a BOM remnant, trims and lowercases one header cell.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	return strings.ToLower(strings.TrimSpace(h))
}

package handlers

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// SourceEncoding maps a Firebird/SQL charset name to its decoder. UTF8, NONE and
// unknown names return nil.
func SourceEncoding(charset string) encoding.Encoding {
	name := strings.ToUpper(strings.NewReplacer("-", "", "_", "", " ", "").Replace(charset))
	switch name {
	case "WIN1252", "WINDOWS1252", "CP1252":
		return charmap.Windows1252
	case "WIN1250", "WINDOWS1250", "CP1250":
		return charmap.Windows1250
	case "ISO88591", "LATIN1":
		return charmap.ISO8859_1
	case "ISO885915", "LATIN9":
		return charmap.ISO8859_15
	case "DOS850", "CP850":
		return charmap.CodePage850
	case "DOS437", "CP437":
		return charmap.CodePage437
	default:
		return nil
	}
}

// textRepairer turns payload text read from the source into valid UTF-8
type textRepairer struct {
	enc encoding.Encoding
}

func newTextRepairer(charset string) textRepairer {
	enc := SourceEncoding(charset)
	if enc == nil {
		// Microsip databases declared as NONE or UTF8 still hold WIN1252 bytes
		enc = charmap.Windows1252
	}
	return textRepairer{enc: enc}
}

// repair leaves valid UTF-8 untouched and decodes anything else with the source charset
func (r textRepairer) repair(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := r.enc.NewDecoder().String(s)
	if err != nil {
		return strings.ToValidUTF8(s, "\uFFFD")
	}
	return out
}

package tools

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const replacementChar = '_'

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename turns an arbitrary title into a safe path segment of at
// most maxBytes bytes. Accents are folded, characters that are unsafe on common
// filesystems and runs of whitespace become '_'. An empty result yields fallback.
func SanitizeFilename(name string, maxBytes int, fallback string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err == nil {
		name = folded
	}

	var b strings.Builder
	lastReplaced := false
	for _, r := range strings.TrimSpace(name) {
		if isUnsafeRune(r) || unicode.IsSpace(r) {
			if !lastReplaced {
				b.WriteRune(replacementChar)
			}
			lastReplaced = true
			continue
		}
		b.WriteRune(r)
		lastReplaced = r == replacementChar
	}
	out := strings.Trim(b.String(), "._")

	if maxBytes > 0 && len(out) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = strings.TrimRight(out[:cut], "_")
	}

	base := out
	if i := strings.LastIndex(out, "."); i > 0 {
		base = out[:i]
	}
	if reservedNames[strings.ToUpper(base)] {
		out += string(replacementChar)
	}
	if out == "" {
		return fallback
	}
	return out
}

func isUnsafeRune(r rune) bool {
	if r < 0x20 || r == 0x7f {
		return true
	}
	return strings.ContainsRune(`<>:"/\|?*%'`, r)
}

package session

import "strings"

// fallbackName is used when sanitization leaves nothing of the object name.
const fallbackName = "unnamed"

var reservedChars = []rune{'<', '>', ':', '"', '/', '\\', '|', '?', '*', '[', ']'}

// Sanitize maps an untrusted object name to a safe file name. Path
// separators, reserved characters, and ".." segments are replaced with
// underscores, so the result can never escape the output root.
func Sanitize(name string) string {
	segments := strings.FieldsFunc(name, func(r rune) bool {
		return r == '/' || r == '\\'
	})

	cleaned := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == ".." {
			seg = "_"
		}
		var b strings.Builder
		for _, r := range seg {
			if isReserved(r) || r < 0x20 {
				b.WriteRune('_')
			} else {
				b.WriteRune(r)
			}
		}
		cleaned = append(cleaned, b.String())
	}

	result := strings.Join(cleaned, "_")
	result = strings.Trim(result, " .")
	if result == "" {
		return fallbackName
	}
	return result
}

func isReserved(r rune) bool {
	for _, c := range reservedChars {
		if r == c {
			return true
		}
	}
	return false
}

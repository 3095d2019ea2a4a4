package snippets

import (
	"fmt"
	"unicode/utf8"

	"go.klb.dev/clipkeep/internal/apperr"
)

// CheckText reports text that the interchange document cannot carry:
// invalid UTF-8 or a character outside the XML 1.0 Char range, such as ESC
// or BEL. Such text fails with apperr.ErrInvalid instead of being altered
// on export.
func CheckText(field, text string) error {
	for i, r := range text {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(text[i:]); size == 1 {
				return fmt.Errorf("snippets: %s is not valid UTF-8 at byte %d: %w", field, i, apperr.ErrInvalid)
			}
		}
		if !isXMLChar(r) {
			return fmt.Errorf("snippets: %s contains control character %U at byte %d: %w", field, r, i, apperr.ErrInvalid)
		}
	}
	return nil
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

func checkSnippet(title, body string) error {
	if err := CheckText("snippet title", title); err != nil {
		return err
	}
	return CheckText("snippet body", body)
}

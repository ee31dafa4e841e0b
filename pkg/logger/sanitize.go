package logger

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxSanitizedLength bounds a sanitized log value before truncation.
const MaxSanitizedLength = 1000

var (
	markupPolicy  = bluemonday.StrictPolicy()
	controlChars  = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	lineEscaper   = strings.NewReplacer("\r\n", `\r\n`, "\n", `\n`, "\r", `\r`, "\t", `\t`, "\x1b", `\x1b`)
	truncateLabel = "... [truncated]"
)

// Sanitize renders v as a single log-safe line. Markup is stripped, line
// breaks, tabs and ESC are escaped, the remaining control characters are
// dropped, and the result is capped at MaxSanitizedLength characters.
func Sanitize(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		s = val
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}

	if strings.ContainsAny(s, "<>") {
		s = html.UnescapeString(markupPolicy.Sanitize(s))
	}
	s = lineEscaper.Replace(s)
	s = controlChars.ReplaceAllString(s, "")

	if runes := []rune(s); len(runes) > MaxSanitizedLength {
		s = string(runes[:MaxSanitizedLength]) + truncateLabel
	}
	return s
}

// SafeMessage sanitizes each argument and joins them with single spaces.
func SafeMessage(args ...any) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = Sanitize(arg)
	}
	return strings.Join(parts, " ")
}

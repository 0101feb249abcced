package cli

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Dim is used for null values.
const Dim = "\033[2m"

// jsonTokenRegex matches keys (with their colon), strings, literals and numbers.
var jsonTokenRegex = regexp.MustCompile(`("(\\u[a-zA-Z0-9]{4}|\\[^u]|[^\\"])*"(\s*:)?|\b(true|false|null)\b|-?\d+(?:\.\d*)?(?:[eE][+\-]?\d+)?)`)

// Enabled reports whether ANSI colors are written.
func Enabled() bool {
	return !disableColor
}

// HighlightJSON takes a JSON string (minified or indented) and applies ANSI colors.
func HighlightJSON(jsonStr string) string {
	if !Enabled() {
		return jsonStr
	}

	return jsonTokenRegex.ReplaceAllStringFunc(jsonStr, func(token string) string {
		switch {
		case strings.HasSuffix(token, ":"):
			return Blue + token[:len(token)-1] + Reset + ":"
		case strings.HasPrefix(token, "\""):
			return Green + token + Reset
		case token == "true" || token == "false":
			return Yellow + token + Reset
		case token == "null":
			return Dim + token + Reset
		default:
			return Purple + token + Reset
		}
	})
}

// PrettyFormat marshals v to indented JSON and colorizes it.
func PrettyFormat(v interface{}) string {
	var str string
	switch t := v.(type) {
	case []byte:
		str = string(t)
	case string:
		str = t
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%+v", v)
		}
		str = string(b)
	}

	return HighlightJSON(str)
}

package template

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Render substitutes {name}-style placeholders with values from variables.
// Substitution is all-or-nothing: if any referenced placeholder has no
// matching variable, the raw template is returned unchanged rather than a
// half-filled body.
func Render(body string, variables map[string]any) string {
	matches := placeholderPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return body
	}

	replacements := make([]string, 0, len(matches)*2)
	for _, m := range matches {
		value, ok := variables[m[1]]
		if !ok {
			return body
		}
		replacements = append(replacements, m[0], fmt.Sprintf("%v", value))
	}

	return strings.NewReplacer(replacements...).Replace(body)
}

package flow

import (
	"regexp"
	"strings"

	"github.com/conectcrm/triageflow/internal/models"
)

var placeholderRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// RenderTemplate substitutes {variableName} placeholders from the session
// context. A placeholder referencing an unset variable renders as the empty
// string; rendering never fails.
func RenderTemplate(tmpl string, ctx map[models.VarName]string) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return placeholderRegex.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := models.VarName(match[1 : len(match)-1])
		return ctx[name]
	})
}

// Package flow implements the triage flow interpreter: step dispatch,
// template rendering, predicate evaluation and definition validation.
package flow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/conectcrm/triageflow/internal/models"
)

// PredicateOp enumerates the closed set of predicate operators.
type PredicateOp string

// Predicate operator constants.
const (
	// OpAlways matches unconditionally; used as the final else branch.
	OpAlways PredicateOp = "always"
	// OpEquals compares a context variable against a string literal.
	OpEquals PredicateOp = "=="
	// OpNotEquals is the negation of OpEquals.
	OpNotEquals PredicateOp = "!="
	// OpExists checks that a context variable is set.
	OpExists PredicateOp = "exists"
	// OpMissing checks that a context variable is unset.
	OpMissing PredicateOp = "missing"
)

// ErrInvalidPredicate indicates an expression outside the supported grammar.
var ErrInvalidPredicate = errors.New("unrecognized predicate expression")

var varNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Predicate is one parsed conditional-branch guard. The grammar is fixed and
// small on purpose: conditional edges in flow definitions may only test
// equality, inequality or presence of named context variables, or be the
// unconditional "always" fallback. Anything else is rejected at load time.
type Predicate struct {
	Op    PredicateOp
	Var   models.VarName
	Value string
}

// ParsePredicate parses one guard expression. Accepted forms:
//
//	(empty) | always
//	<var> == <literal>
//	<var> != <literal>
//	<var> exists
//	<var> missing
//
// Literals may be double-quoted; quotes are stripped. Unquoted literals run
// to the end of the expression, so values containing spaces are allowed.
func ParsePredicate(expr string) (Predicate, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" || trimmed == "always" {
		return Predicate{Op: OpAlways}, nil
	}

	for _, op := range []PredicateOp{OpEquals, OpNotEquals} {
		if name, literal, found := strings.Cut(trimmed, " "+string(op)+" "); found {
			name = strings.TrimSpace(name)
			if !varNameRegex.MatchString(name) {
				return Predicate{}, fmt.Errorf("%w: bad variable name in %q", ErrInvalidPredicate, expr)
			}
			return Predicate{Op: op, Var: models.VarName(name), Value: unquote(literal)}, nil
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) == 2 && (fields[1] == string(OpExists) || fields[1] == string(OpMissing)) {
		if !varNameRegex.MatchString(fields[0]) {
			return Predicate{}, fmt.Errorf("%w: bad variable name in %q", ErrInvalidPredicate, expr)
		}
		return Predicate{Op: PredicateOp(fields[1]), Var: models.VarName(fields[0])}, nil
	}

	return Predicate{}, fmt.Errorf("%w: %q", ErrInvalidPredicate, expr)
}

// Eval evaluates the predicate against a session context.
func (p Predicate) Eval(ctx map[models.VarName]string) bool {
	switch p.Op {
	case OpAlways:
		return true
	case OpEquals:
		return ctx[p.Var] == p.Value
	case OpNotEquals:
		return ctx[p.Var] != p.Value
	case OpExists:
		_, ok := ctx[p.Var]
		return ok
	case OpMissing:
		_, ok := ctx[p.Var]
		return !ok
	default:
		return false
	}
}

// unquote strips one pair of surrounding double quotes, if present.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

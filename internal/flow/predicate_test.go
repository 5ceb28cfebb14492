package flow

import (
	"errors"
	"testing"

	"github.com/conectcrm/triageflow/internal/models"
)

func TestParsePredicate_ValidForms(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want Predicate
	}{
		{"empty is always", "", Predicate{Op: OpAlways}},
		{"explicit always", "always", Predicate{Op: OpAlways}},
		{"whitespace always", "  always  ", Predicate{Op: OpAlways}},
		{"equals", "setor == comercial", Predicate{Op: OpEquals, Var: "setor", Value: "comercial"}},
		{"equals quoted", `setor == "suporte técnico"`, Predicate{Op: OpEquals, Var: "setor", Value: "suporte técnico"}},
		{"equals unquoted spaces", "nome == Ana Silva", Predicate{Op: OpEquals, Var: "nome", Value: "Ana Silva"}},
		{"not equals", "plano != free", Predicate{Op: OpNotEquals, Var: "plano", Value: "free"}},
		{"exists", "email exists", Predicate{Op: OpExists, Var: "email"}},
		{"missing", "email missing", Predicate{Op: OpMissing, Var: "email"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePredicate(tc.expr)
			if err != nil {
				t.Fatalf("ParsePredicate(%q) returned error: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("ParsePredicate(%q) = %+v, want %+v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParsePredicate_Invalid(t *testing.T) {
	cases := []string{
		"setor ==",
		"== comercial",
		"setor equals comercial",
		"setor exists now",
		"ran dom exists",
		"1setor == x",
		"setor",
	}

	for _, expr := range cases {
		if _, err := ParsePredicate(expr); !errors.Is(err, ErrInvalidPredicate) {
			t.Errorf("ParsePredicate(%q) error = %v, want ErrInvalidPredicate", expr, err)
		}
	}
}

func TestPredicate_Eval(t *testing.T) {
	ctx := map[models.VarName]string{
		"setor": "comercial",
		"vazio": "",
	}

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"always true", Predicate{Op: OpAlways}, true},
		{"equals match", Predicate{Op: OpEquals, Var: "setor", Value: "comercial"}, true},
		{"equals mismatch", Predicate{Op: OpEquals, Var: "setor", Value: "suporte"}, false},
		{"equals unset var", Predicate{Op: OpEquals, Var: "nope", Value: "x"}, false},
		{"not equals", Predicate{Op: OpNotEquals, Var: "setor", Value: "suporte"}, true},
		{"exists set", Predicate{Op: OpExists, Var: "setor"}, true},
		{"exists empty value still set", Predicate{Op: OpExists, Var: "vazio"}, true},
		{"exists unset", Predicate{Op: OpExists, Var: "nope"}, false},
		{"missing unset", Predicate{Op: OpMissing, Var: "nope"}, true},
		{"missing set", Predicate{Op: OpMissing, Var: "setor"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pred.Eval(ctx); got != tc.want {
				t.Errorf("Eval() = %v, want %v", got, tc.want)
			}
		})
	}
}

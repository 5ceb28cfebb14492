package flow

import (
	"strings"
	"testing"

	"github.com/conectcrm/triageflow/internal/models"
)

// validDefinition builds a small definition that passes full validation.
func validDefinition() models.FlowDefinition {
	return models.FlowDefinition{
		ID:            "def-1",
		CompanyID:     "company-1",
		Code:          "triage",
		Version:       1,
		InitialStepID: "menu",
		Steps: map[models.StepID]models.StepDef{
			"menu": {
				Kind:   models.StepKindMenu,
				Prompt: "Escolha uma opção:",
				Options: []models.OptionDef{
					{Match: "1", Label: "Suporte", Action: models.ActionDef{Type: models.ActionAdvance, NextStepID: "collect"}},
					{Match: "2", Label: "Comercial", Action: models.ActionDef{Type: models.ActionTransfer, Department: "comercial"}},
					{Match: "3", Label: "Outros", Action: models.ActionDef{Type: models.ActionConditional, Branches: []models.ConditionalBranch{
						{When: "nome exists", NextStepID: "done"},
						{When: "always", NextStepID: "collect"},
					}}},
				},
			},
			"collect": {
				Kind:       models.StepKindCollect,
				Prompt:     "Qual é o seu nome?",
				Variable:   "nome",
				NextStepID: "done",
			},
			"done": {
				Kind:     models.StepKindTerminal,
				Terminal: &models.TerminalDef{Type: models.ActionFinalize, Message: "Obrigado, {nome}!"},
			},
		},
		Channels: []models.Channel{models.ChannelWhatsApp},
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	def := validDefinition()
	if err := ValidateDefinition(&def); err != nil {
		t.Fatalf("ValidateDefinition returned error for valid definition: %v", err)
	}
}

func TestValidateDefinition_MissingInitialStep(t *testing.T) {
	def := validDefinition()
	def.InitialStepID = "ghost"
	assertDefinitionError(t, &def, "initial step")
}

func TestValidateDefinition_AdvanceToMissingStep(t *testing.T) {
	def := validDefinition()
	step := def.Steps["menu"]
	step.Options[0].Action.NextStepID = "ghost"
	def.Steps["menu"] = step
	assertDefinitionError(t, &def, "missing step")
}

func TestValidateDefinition_CollectToMissingStep(t *testing.T) {
	def := validDefinition()
	step := def.Steps["collect"]
	step.NextStepID = "ghost"
	def.Steps["collect"] = step
	assertDefinitionError(t, &def, "missing step")
}

func TestValidateDefinition_DuplicateOptionMatch(t *testing.T) {
	def := validDefinition()
	step := def.Steps["menu"]
	// Duplicates are compared case-insensitively after trimming.
	step.Options[1].Match = " 1 "
	def.Steps["menu"] = step
	assertDefinitionError(t, &def, "duplicate option match")
}

func TestValidateDefinition_ExitTokenCollision(t *testing.T) {
	def := validDefinition()
	step := def.Steps["menu"]
	step.Options[1].Match = "Sair"
	def.Steps["menu"] = step
	assertDefinitionError(t, &def, "reserved exit token")
}

func TestValidateDefinition_BadBranchPredicate(t *testing.T) {
	def := validDefinition()
	step := def.Steps["menu"]
	step.Options[2].Action.Branches[0].When = "nome equals Ana"
	def.Steps["menu"] = step
	assertDefinitionError(t, &def, "branch 0")
}

func TestValidateDefinition_BranchToMissingStep(t *testing.T) {
	def := validDefinition()
	step := def.Steps["menu"]
	step.Options[2].Action.Branches[1].NextStepID = "ghost"
	def.Steps["menu"] = step
	assertDefinitionError(t, &def, "targets missing step")
}

func TestValidateDefinition_StructuralErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.FlowDefinition)
	}{
		{"empty company", func(d *models.FlowDefinition) { d.CompanyID = "" }},
		{"no channels", func(d *models.FlowDefinition) { d.Channels = nil }},
		{"no steps", func(d *models.FlowDefinition) { d.Steps = nil }},
		{"terminal without action", func(d *models.FlowDefinition) {
			s := d.Steps["done"]
			s.Terminal = nil
			d.Steps["done"] = s
		}},
		{"transfer without department", func(d *models.FlowDefinition) {
			s := d.Steps["menu"]
			s.Options[1].Action.Department = ""
			d.Steps["menu"] = s
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			tc.mutate(&def)
			if err := ValidateDefinition(&def); err == nil {
				t.Errorf("expected validation error, got nil")
			}
		})
	}
}

func assertDefinitionError(t *testing.T, def *models.FlowDefinition, substr string) {
	t.Helper()
	err := ValidateDefinition(def)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	derr, ok := err.(*DefinitionError)
	if !ok {
		t.Fatalf("expected *DefinitionError, got %T: %v", err, err)
	}
	if !strings.Contains(derr.Error(), substr) {
		t.Errorf("error %q does not mention %q", derr.Error(), substr)
	}
}

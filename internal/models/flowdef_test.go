package models

import "testing"

func minimalDefinition() FlowDefinition {
	return FlowDefinition{
		ID:            "def-1",
		CompanyID:     "company-1",
		Code:          "triage",
		Version:       1,
		InitialStepID: "start",
		Steps: map[StepID]StepDef{
			"start": {
				Kind:     StepKindTerminal,
				Terminal: &TerminalDef{Type: ActionFinalize},
			},
		},
		Channels: []Channel{ChannelWhatsApp},
	}
}

func TestFlowDefinitionValidate(t *testing.T) {
	def := minimalDefinition()
	if err := def.Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*FlowDefinition)
		wantErr error
	}{
		{"empty company", func(d *FlowDefinition) { d.CompanyID = "" }, ErrEmptyCompanyID},
		{"empty code", func(d *FlowDefinition) { d.Code = "" }, ErrEmptyFlowCode},
		{"empty initial step", func(d *FlowDefinition) { d.InitialStepID = "" }, ErrEmptyInitialStep},
		{"no steps", func(d *FlowDefinition) { d.Steps = nil }, ErrNoSteps},
		{"no channels", func(d *FlowDefinition) { d.Channels = nil }, ErrNoChannels},
		{"unnamed variable", func(d *FlowDefinition) {
			d.Variables = map[VarName]VarSpec{"": {Label: "Nome"}}
		}, ErrEmptyVarName},
		{"bad variable type", func(d *FlowDefinition) {
			d.Variables = map[VarName]VarSpec{"nome": {Type: "date"}}
		}, ErrInvalidVarType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := minimalDefinition()
			tc.mutate(&def)
			if err := def.Validate(); err != tc.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestStepDefValidate(t *testing.T) {
	cases := []struct {
		name    string
		step    StepDef
		wantErr error
	}{
		{"bad kind", StepDef{Kind: "poll"}, ErrInvalidStepKind},
		{"menu without prompt", StepDef{Kind: StepKindMenu, Options: []OptionDef{{Match: "1", Action: ActionDef{Type: ActionFinalize}}}}, ErrEmptyPrompt},
		{"menu without options", StepDef{Kind: StepKindMenu, Prompt: "?"}, ErrNoMenuOptions},
		{"menu option without match", StepDef{Kind: StepKindMenu, Prompt: "?", Options: []OptionDef{{Action: ActionDef{Type: ActionFinalize}}}}, ErrEmptyOptionMatch},
		{"collect without variable", StepDef{Kind: StepKindCollect, Prompt: "?", NextStepID: "x"}, ErrMissingCollectVar},
		{"collect without next", StepDef{Kind: StepKindCollect, Prompt: "?", Variable: "v"}, ErrMissingNextStep},
		{"terminal without action", StepDef{Kind: StepKindTerminal}, ErrMissingTerminal},
		{"terminal with menu action", StepDef{Kind: StepKindTerminal, Terminal: &TerminalDef{Type: ActionAdvance}}, ErrInvalidTerminalKind},
		{"terminal transfer without department", StepDef{Kind: StepKindTerminal, Terminal: &TerminalDef{Type: ActionTransfer}}, ErrMissingDepartment},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.step.Validate(); err != tc.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestActionDefValidate(t *testing.T) {
	cases := []struct {
		name    string
		action  ActionDef
		wantErr error
	}{
		{"advance ok", ActionDef{Type: ActionAdvance, NextStepID: "x"}, nil},
		{"advance without target", ActionDef{Type: ActionAdvance}, ErrMissingNextStep},
		{"conditional ok", ActionDef{Type: ActionConditional, Branches: []ConditionalBranch{{When: "always", NextStepID: "x"}}}, nil},
		{"conditional empty branches", ActionDef{Type: ActionConditional}, ErrEmptyBranchList},
		{"finalize without message ok", ActionDef{Type: ActionFinalize}, nil},
		{"transfer ok", ActionDef{Type: ActionTransfer, Department: "suporte"}, nil},
		{"transfer without department", ActionDef{Type: ActionTransfer}, ErrMissingDepartment},
		{"unknown type", ActionDef{Type: "teleport"}, ErrInvalidActionType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.action.Validate(); err != tc.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestFlowDefinitionVariablesValidate(t *testing.T) {
	def := minimalDefinition()
	def.Variables = map[VarName]VarSpec{
		"nome":  {Label: "Nome do cliente", Type: VarTypeText, Required: true},
		"valor": {Type: VarTypeNumber},
		"vip":   {Type: VarTypeBoolean},
		"topic": {}, // empty type defaults to text
	}
	if err := def.Validate(); err != nil {
		t.Errorf("definition with variable declarations rejected: %v", err)
	}
}

func TestServesChannel(t *testing.T) {
	def := minimalDefinition()
	def.Channels = []Channel{ChannelWhatsApp, ChannelWebchat}
	if !def.ServesChannel(ChannelWebchat) {
		t.Error("ServesChannel(webchat) = false")
	}
	if def.ServesChannel(ChannelTelegram) {
		t.Error("ServesChannel(telegram) = true")
	}
}

func TestMatchesKeyword(t *testing.T) {
	def := minimalDefinition()
	def.TriggerKeywords = []string{"suporte", "ajuda"}

	cases := []struct {
		text string
		want bool
	}{
		{"preciso de SUPORTE urgente", true},
		{"me ajuda por favor", true},
		{"bom dia", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := def.MatchesKeyword(tc.text); got != tc.want {
			t.Errorf("MatchesKeyword(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}

	// No keywords means catch-all: never a keyword match.
	def.TriggerKeywords = nil
	if def.MatchesKeyword("suporte") {
		t.Error("definition without keywords reported a keyword match")
	}
}

func TestIsExitToken(t *testing.T) {
	for _, tok := range []string{"sair", "exit"} {
		if !IsExitToken(tok) {
			t.Errorf("IsExitToken(%q) = false", tok)
		}
	}
	if IsExitToken("sai") || IsExitToken("") {
		t.Error("IsExitToken matched a non-token")
	}
}

package flow

// Messages holds the configurable system texts the interpreter emits outside
// of flow-authored prompts. Defaults are the ConectCRM Portuguese texts;
// deployments override them per company through interpreter options.
type Messages struct {
	// Cancellation closes a session abandoned via the exit token.
	Cancellation string
	// NotUnderstood prefixes the re-sent menu after unrecognized input.
	NotUnderstood string
	// Handoff is sent alongside a transfer-to-department effect.
	Handoff string
	// Apology is sent when a session dies on a definition error.
	Apology string
	// Closing is the fallback finalize text when the flow authors none.
	Closing string
}

// DefaultMessages returns the stock ConectCRM system texts.
func DefaultMessages() Messages {
	return Messages{
		Cancellation:  "Atendimento cancelado. Quando precisar, é só chamar novamente.",
		NotUnderstood: "Desculpe, não entendi sua resposta.",
		Handoff:       "Um momento, vamos transferir você para um de nossos atendentes.",
		Apology:       "Desculpe, algo deu errado no atendimento automático. Vamos encaminhar você para um atendente.",
		Closing:       "Atendimento concluído. Obrigado pelo contato!",
	}
}

// Package prompt assembles the message list sent to LLM providers: system
// instructions, optional catalog context, a bounded history window, and the
// current user message.
package prompt

import (
	"strings"

	"github.com/soportecyclops/tienda21/internal/llm"
	"github.com/soportecyclops/tienda21/internal/session"
)

// HistoryWindow bounds how many prior turns are sent to the provider.
const HistoryWindow = 10

const systemPrompt = `Sos el asistente virtual de una tienda online. Tu objetivo es ayudar a los clientes con consultas sobre productos, pedidos y servicios.

Tus directivas son:
1. Ser siempre amable, profesional y servicial.
2. Proporcionar información precisa sobre productos y pedidos.
3. No inventar información que no conozcas; si no podés responder algo, admitilo y ofrecé alternativas.
4. Nunca proporcionar información personal sensible de clientes.
5. No dar diagnósticos médicos ni consejos legales.
6. Mantener un tono conversacional pero profesional, y ser conciso.

Enfocate en consultas de productos, pedidos y servicios de la tienda.`

// Builder assembles provider requests. It is stateless and safe for
// concurrent use.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build returns the message list for one generation: system prompt, optional
// catalog context block, the last HistoryWindow turns, and the current user
// message.
func (b *Builder) Build(sess *session.Session, userMessage, catalogContext string) []llm.Message {
	msgs := make([]llm.Message, 0, HistoryWindow+3)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})

	if ctx := strings.TrimSpace(catalogContext); ctx != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Contexto del catálogo de la tienda:\n" + ctx,
		})
	}

	for _, t := range sess.RecentTurns(HistoryWindow) {
		role := t.Role
		if role != session.RoleUser && role != session.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: userMessage})
	return msgs
}

package chat

import "strings"

const personaPrompt = `You are Helmsman, the operations assistant for yacht charter crews and charter managers.

Identity
- You are Helmsman, a professional but approachable assistant focused on charter operations.

Expertise
- Charter logistics: bookings, itineraries, crew rosters, provisioning.
- Marina operations: berthing, mooring permits, fees, fuel, port formalities.
- Fleet matters: maintenance schedules, insurance, safety equipment.

Grounding rules
- Always call search_documents first for factual questions about policies, fees, or procedures.
- If internal documentation lacks coverage, call search_web for current public information.
- Use the calculator for any arithmetic; never compute totals in your head.
- Never guess fee amounts, deadlines, or regulatory requirements without a source.

Tone and clarity
- Be professional, clear, and approachable.
- Explain nautical or legal terms briefly when used.
- Answer directly; lead with the conclusion, then the supporting detail.
`

// BuildSystemPrompt assembles the per-request system prompt: persona, durable
// user facts, the conversation synopsis, and the tool catalog for tiers
// without native function calling.
func BuildSystemPrompt(facts map[string]string, synopsis, toolCatalog string) string {
	var b strings.Builder
	b.WriteString(personaPrompt)

	if formatted := FormatFacts(facts); formatted != "" {
		b.WriteString("\nKnown facts about this user:\n")
		b.WriteString(formatted)
		b.WriteString("\n")
	}

	if synopsis != "" {
		b.WriteString("\n--- Summary of earlier discussion ---\n")
		b.WriteString(synopsis)
		b.WriteString("\n")
	}

	if toolCatalog != "" {
		b.WriteString("\nAvailable tools:\n")
		b.WriteString(toolCatalog)
		b.WriteString(`
When you need a tool and cannot call it natively, reply in exactly this form:
Thought: <why you need the tool>
Action: <tool name>
Action Input: <JSON arguments>
When you have the answer, reply:
Final Answer: <your answer>
`)
	}

	return b.String()
}

// Package prompts contains the LLM prompt templates used by Gamemaster.
package prompts

import (
	"fmt"
	"strings"
)

// systemTemplate is the fixed preamble for every completion request.
// %s slots: campaign name, active-character block.
const systemTemplate = `You are the game master's assistant for the campaign "%s".

You help run tabletop sessions: you narrate outcomes, answer rules questions, and keep the character sheets accurate.

## When to Use Tools
Use tools when the table needs authoritative data or a sheet must change:
- "How many hit points does Oak have?" → get_character
- "Oak takes 7 damage" → update_character
- "Roll initiative" → roll_dice
- "She casts Fireball" → cast_spell

Do NOT use tools for pure narration, rules explanations, or table talk.

## Rules
- Never invent sheet values. Look them up.
- Apply damage, healing, and conditions through update_character so the record stays true.
- Keep narration vivid but short; the table is waiting.
%s`

// SystemPrompt returns the interpolated system preamble for a session.
// activeCharacters may be empty; the block is omitted entirely in that
// case rather than rendering an empty list.
func SystemPrompt(campaignName string, activeCharacters []string) string {
	var block string
	if len(activeCharacters) > 0 {
		block = fmt.Sprintf("\n## At the Table\nCharacters in this session: %s.\n", strings.Join(activeCharacters, ", "))
	}
	return fmt.Sprintf(systemTemplate, campaignName, block)
}

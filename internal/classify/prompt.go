package classify

import (
	"fmt"
	"strings"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

const systemPrompt = `You are a conversation-memory analyst. Given one exchange between a user and an assistant, decide what is worth remembering about the USER and produce a structured assessment.

Categories (pick exactly one primary):
- fact: objective information about the user or their world
- preference: likes, dislikes, choices of tools or style
- skill: abilities or knowledge the user demonstrates or mentions
- rule: an instruction or constraint the user wants always applied
- context: situational information with no lasting value beyond the session

Scoring (each 0.0 to 1.0):
- importance_score: how much future conversations benefit from this memory
- novelty_score: how new this is relative to an ongoing conversation
- relevance_score: how tightly it relates to the user's stated projects and skills
- actionability_score: how directly it changes what an assistant should do

Retention: "short_term" for situational data, "long_term" for durable facts and preferences, "permanent" for identity-level information.

Conscious labels (zero or more): identity, preference, skill, current_project, repeated_reference. Apply them only to memories an assistant should have at hand in every conversation.

Set should_store to false for small talk, pure pleasantries, and exchanges that carry no information about the user. Keep the summary under 500 characters. searchable_content is a keyword-dense restatement used for retrieval indexing.`

// buildUserPrompt renders one exchange plus optional caller context.
func buildUserPrompt(userInput, aiOutput string, uc types.UserContext) string {
	var b strings.Builder

	if !uc.Empty() {
		b.WriteString("User context:\n")
		writeContextLine(&b, "Current projects", uc.CurrentProjects)
		writeContextLine(&b, "Relevant skills", uc.RelevantSkills)
		writeContextLine(&b, "Preferences", uc.Preferences)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "User said:\n%s\n\nAssistant replied:\n%s\n", userInput, aiOutput)
	b.WriteString("\nAnalyze this exchange and return the structured assessment.")
	return b.String()
}

func writeContextLine(b *strings.Builder, label string, vals []string) {
	if len(vals) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(vals, ", "))
}

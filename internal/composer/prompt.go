package composer

import (
	"fmt"
	"strings"

	"github.com/sage-tutor/sage/internal/storage"
)

// SystemPrompt is the fixed system instruction sent with every tutor call.
const SystemPrompt = "You are an interactive AI tutor. Guide the user step by step."

const hintModeTask = `- Ask a guiding question before revealing the full answer.
- Adjust the difficulty based on their previous knowledge.
- Encourage interaction by breaking down complex topics.`

const directModeTask = `- Directly provide the answer without guiding questions.
- Keep the response clear, concise, and to the point.`

// responseSchema spells out the exact JSON shape the model must return.
// The response validator depends on the model following it.
const responseSchema = `Return your response as a JSON object with these fields:
- "answer": string, the main educational content
- "steps": array of strings, the reasoning steps taken (may be empty)
- "followup_questions": array of 2-3 strings, follow-up questions to encourage learning
- "confidence_score": number between 0 and 1, your confidence in the answer
- "key_concepts": array of 2-3 strings, related topics for further exploration
- "is_final_answer": boolean, true when no further guidance is needed`

// Compose builds the personalized tutor prompt. turns arrive newest-first
// (retrieval order) and are reversed so the prompt reads chronologically.
// Deterministic: the same inputs always produce the same prompt.
func Compose(profile storage.StudentProfile, turns []storage.ConversationTurn, relevant []string, question string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are an AI tutor for %s.\n\n", profile.Username)

	sb.WriteString("**User Information:**\n")
	fmt.Fprintf(&sb, "- AGE: %d\n", profile.Age)
	fmt.Fprintf(&sb, "- GRADE: %s\n", profile.Standard)
	fmt.Fprintf(&sb, "- FAVORITE SUBJECTS: %s\n", strings.Join(profile.FavouriteSubjects, ", "))
	fmt.Fprintf(&sb, "- LEARNING GOALS: %s\n", profile.LearningGoals)

	sb.WriteString("\n**Previous Conversation:**\n")
	sb.WriteString(conversationContext(turns))

	sb.WriteString("\n\n**Related Topics User Has Studied Before:**\n")
	if len(relevant) > 0 {
		sb.WriteString(strings.Join(relevant, "\n"))
	} else {
		sb.WriteString("No relevant history found.")
	}

	fmt.Fprintf(&sb, "\n\n**User Question:** %s\n", question)

	sb.WriteString("\n**Your Task:**\n")
	if profile.GiveHints {
		sb.WriteString(hintModeTask)
	} else {
		sb.WriteString(directModeTask)
	}

	sb.WriteString("\n\n")
	sb.WriteString(responseSchema)

	return sb.String()
}

// conversationContext renders newest-first turns in chronological order.
func conversationContext(turns []storage.ConversationTurn) string {
	if len(turns) == 0 {
		return "No prior conversation found."
	}
	lines := make([]string, len(turns))
	for i, t := range turns {
		// Reverse: last retrieved turn is the oldest.
		lines[len(turns)-1-i] = t.Role + ": " + t.Message
	}
	return strings.Join(lines, "\n")
}

package tutor

import "context"

// maxGuidedTurns caps the Socratic loop. The model's is_final_answer flag
// is not trustworthy, so the cap is a safety valve, not a tuning knob.
const maxGuidedTurns = 5

// maxSessionMemory bounds the transcript kept with a guided result.
const maxSessionMemory = 10

// GuidedResult is the outcome of a bounded Socratic session: the final
// answer, every intermediate response, and a capped transcript.
type GuidedResult struct {
	FinalAnswer string          `json:"final_answer"`
	Steps       []TutorResponse `json:"steps"`
	Transcript  []string        `json:"transcript"`
}

// GuidedSession runs the multi-turn Socratic variant: each response's first
// follow-up question is fed back in as the next input until the model marks
// a final answer, runs out of follow-ups, or the hard iteration cap is hit.
// Reaching the cap forces termination and the last answer becomes final.
func (t *Tutor) GuidedSession(ctx context.Context, userID, question string) GuidedResult {
	var steps []TutorResponse
	var transcript []string

	current := question
	for i := 0; i < maxGuidedTurns; i++ {
		resp := t.GetResponse(ctx, userID, current)
		steps = append(steps, resp)
		transcript = append(transcript, "user: "+current, "assistant: "+resp.Answer)

		if resp.IsFinalAnswer || len(resp.FollowupQuestions) == 0 {
			break
		}
		current = resp.FollowupQuestions[0]
	}

	if len(transcript) > maxSessionMemory {
		transcript = transcript[len(transcript)-maxSessionMemory:]
	}

	return GuidedResult{
		FinalAnswer: steps[len(steps)-1].Answer,
		Steps:       steps,
		Transcript:  transcript,
	}
}

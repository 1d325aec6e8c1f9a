// Package history selects the slice of a conversation that is replayed to the
// model on each turn.
package history

import (
	"unicode/utf8"

	"github.com/quild-ai/quild/server/internal/llm"
)

// Limits bounds a window. A non-positive value disables that bound.
type Limits struct {
	MaxTurns int
	MaxChars int
}

// Window returns the longest contiguous suffix of messages, in chronological
// order, that fits both limits. The newest message is always kept so the
// current turn reaches the model even when it alone exceeds MaxChars.
func Window(messages []llm.Message, limits Limits) []llm.Message {
	if len(messages) == 0 {
		return []llm.Message{}
	}
	selected := make([]llm.Message, 0, len(messages))
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if limits.MaxTurns > 0 && len(selected) >= limits.MaxTurns {
			break
		}
		size := utf8.RuneCountInString(messages[i].Content)
		if len(selected) > 0 && limits.MaxChars > 0 && total+size > limits.MaxChars {
			break
		}
		total += size
		selected = append(selected, messages[i])
	}
	for left, right := 0, len(selected)-1; left < right; left, right = left+1, right-1 {
		selected[left], selected[right] = selected[right], selected[left]
	}
	return selected
}

// Size reports the character count Window charges for messages.
func Size(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += utf8.RuneCountInString(msg.Content)
	}
	return total
}

// Package assistant produces the conversational nudge sent to a room after a
// period of silence. Trigger gathers the recent history, Provider turns it
// into a question, and the room manager broadcasts the answer.
package assistant

import "github.com/whisper/emochat/internal/store"

// Role of a prompt turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a completion prompt.
type Turn struct {
	Role    Role
	Content string
}

const (
	systemInstruction  = "Eres un asistente empático que fomenta la conversación."
	closingInstruction = "¿Qué pregunta podrías hacer para ayudar a tu compañero a expresarse mejor?"
	mediaPlaceholder   = "[voz/dibujo]"
)

// BuildPrompt renders a session's messages as a two-voice dialogue. Messages
// from the session's first participant become user turns and the rest become
// assistant turns; voice notes and doodles appear as a placeholder.
func BuildPrompt(s *store.Session) []Turn {
	turns := make([]Turn, 0, len(s.Messages)+2)
	turns = append(turns, Turn{Role: RoleSystem, Content: systemInstruction})

	for _, m := range s.Messages {
		role := RoleAssistant
		if m.FromAnonID == s.AnonID1 {
			role = RoleUser
		}
		content := m.Text
		if content == "" {
			content = mediaPlaceholder
		}
		turns = append(turns, Turn{Role: role, Content: content})
	}

	return append(turns, Turn{Role: RoleAssistant, Content: closingInstruction})
}

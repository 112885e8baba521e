package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/llm"
)

const persona = `The following is a friendly conversation between an elderly user and their companion.
Talk to the user like a friendly neighbour, in a casual and informal style.
Care about their health, daily life and family. Help them lift a gloomy or depressed mood by chatting.
Do not use difficult words or phrases, and be patient and understanding.
Ask a question to keep the conversation going. Speak English only.
Reply briefly, with no more than three sentences each time.
Example: Oh, I heard your knee has been bothering you and you couldn't exercise. My grandma went through the same thing. Try some light stretching, you'll get stronger and it won't hurt as much!`

// SystemPrompt renders the chat system prompt for p at now, embedding the
// transcript so far as role:content lines.
func SystemPrompt(p *profile.Profile, transcript []llm.Message, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(persona)
	sb.WriteString("\n\nUse the user information below and refer to it naturally during the conversation.\n")

	fmt.Fprintf(&sb, "User: %s", p.Name)
	if p.Sex != "" {
		fmt.Fprintf(&sb, ", sex: %s", p.Sex)
	}
	if p.Age != nil {
		fmt.Fprintf(&sb, ", age: %d", *p.Age)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Illnesses: %s\n", profile.FormatDiseases(p.Diseases))
	fmt.Fprintf(&sb, "Medications and when to take them: %s\n", profile.FormatSchedules(p.Medications))
	fmt.Fprintf(&sb, "Injections and when to take them: %s\n", profile.FormatSchedules(p.Injections))
	fmt.Fprintf(&sb, "Current time: %s\n", now.Format("15:04"))
	if p.HealthIssues != "" {
		fmt.Fprintf(&sb, "Other health issues: %s\n", p.HealthIssues)
	}

	sb.WriteString("\nPrevious conversation:\n")
	sb.WriteString(FormatTranscript(transcript))
	return sb.String()
}

// FormatTranscript renders msgs as newline-separated role:content lines.
func FormatTranscript(msgs []llm.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Role+":"+m.Content)
	}
	return strings.Join(lines, "\n")
}

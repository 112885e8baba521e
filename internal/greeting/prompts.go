package greeting

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/elf/internal/alarm"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/forecast"
)

const persona = `You greet an elderly user like a friendly neighbour.
Use a casual and informal style. Do not use difficult words or phrases, and be patient and understanding.
Speak English only.`

func healthCheckPrompt(p *profile.Profile, due *alarm.Match, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(persona)
	sb.WriteString("\n\nGreet the user based on their personal and health information below.\n")
	sb.WriteString("If the current time is within a few minutes of a medication or injection time, briefly ask whether they have taken it, as part of the greeting.\n\n")

	fmt.Fprintf(&sb, "User: %s", p.Name)
	if p.Sex != "" {
		fmt.Fprintf(&sb, ", sex: %s", p.Sex)
	}
	if p.Age != nil {
		fmt.Fprintf(&sb, ", age: %d", *p.Age)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Illnesses: %s\n", profile.FormatDiseases(p.Diseases))
	fmt.Fprintf(&sb, "Medications to take: %s\n", profile.FormatSchedules(p.Medications))
	fmt.Fprintf(&sb, "Injections to self-administer: %s\n", profile.FormatSchedules(p.Injections))
	fmt.Fprintf(&sb, "Current time: %s\n", now.Format("2006-01-02 15:04"))
	if due != nil {
		fmt.Fprintf(&sb, "Due now: %s %s at %s\n", due.Category, due.Name, due.Time)
	}
	if p.HealthIssues != "" {
		fmt.Fprintf(&sb, "Other health issues you may sometimes ask about: %s\n", p.HealthIssues)
	}
	return sb.String()
}

func weatherPrompt(name string, c forecast.Conditions) string {
	return fmt.Sprintf(`%s

Greet the user based on the current weather.
User: %s

Weather parameters:
%s

Current weather: %s

Keep the greeting short, mention the weather and ask how the user is feeling.
Example: Good morning, Mina! It's quite cloudy today. The gloomy weather isn't getting you down, is it?`,
		persona, name, forecast.Legend, c)
}

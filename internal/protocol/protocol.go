// Package protocol encodes and decodes the '#'-delimited text frames
// exchanged with the companion app.
//
// A client frame is "<command>#<uid>[#<arg>]". Every command except version
// names the connection's own user id; a frame naming another id is treated
// as malformed. Server frames are "<name>#<payload>", where the payload is
// JSON for structured data, standard base64 for audio and plain text
// otherwise.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/store"
)

// ErrMalformedCommand is returned for frames that cannot be handled. The
// connection ignores them and keeps reading.
var ErrMalformedCommand = errors.New("protocol: malformed command")

// Command is a client command name.
type Command string

const (
	Version    Command = "version"
	Search     Command = "search"
	Register   Command = "register"
	PrevCvs    Command = "prev_cvs"
	WelcomeTTS Command = "welcome_tts"
	HumanCvs   Command = "human_cvs"
)

// Server-only frame names.
const (
	WelcomeTTSText = "welcome_tts_text"
	HumanCvsText   = "human_cvs_text"
	AICvs          = "ai_cvs"
	AICvsText      = "ai_cvs_text"
)

// Payload markers.
const (
	PayloadOK          = "OK"
	PayloadError       = "ERROR"
	PayloadErrorNoUser = "error_no_user"
	PayloadFalse       = "false"
)

const sep = "#"

// Request is a parsed client frame.
type Request struct {
	Command Command
	UserID  string
	// Arg is the third field: the name for register, base64 audio for
	// human_cvs. Empty otherwise.
	Arg string
}

// Parse decodes frame received on the connection of userID.
func Parse(frame, userID string) (Request, error) {
	fields := strings.SplitN(strings.TrimSpace(frame), sep, 3)
	if len(fields) < 2 {
		return Request{}, fmt.Errorf("%w: too few fields", ErrMalformedCommand)
	}

	req := Request{Command: Command(fields[0]), UserID: fields[1]}
	if len(fields) == 3 {
		req.Arg = fields[2]
	}

	switch req.Command {
	case Version:
		return req, nil
	case Search, PrevCvs, WelcomeTTS:
	case Register, HumanCvs:
		if strings.TrimSpace(req.Arg) == "" {
			return Request{}, fmt.Errorf("%w: %s needs an argument", ErrMalformedCommand, req.Command)
		}
	default:
		return Request{}, fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, fields[0])
	}

	if req.UserID != userID {
		return Request{}, fmt.Errorf("%w: %s for user %q on connection of %q", ErrMalformedCommand, req.Command, req.UserID, userID)
	}
	return req, nil
}

// Frame formats a server frame.
func Frame(name, payload string) string {
	return name + sep + payload
}

// ErrorFrame formats the recoverable failure frame for cmd.
func ErrorFrame(cmd Command) string {
	return Frame(string(cmd), PayloadError)
}

// UserInfo is the search payload.
type UserInfo struct {
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	Sex          string         `json:"sex"`
	Age          *int           `json:"age"`
	Diseases     []string       `json:"diseases"`
	CasualTimes  []string       `json:"casual_alarm"`
	Medications  []ScheduleInfo `json:"medication_alarm"`
	Injections   []ScheduleInfo `json:"injection_alarm"`
	HealthIssues string         `json:"health_issues"`
}

// ScheduleInfo is one named schedule in [UserInfo].
type ScheduleInfo struct {
	Name  string   `json:"name"`
	Times []string `json:"times"`
}

// NewUserInfo renders p for the search response.
func NewUserInfo(p *profile.Profile) UserInfo {
	info := UserInfo{
		UserID:       p.UserID,
		Name:         p.Name,
		Sex:          p.Sex,
		Age:          p.Age,
		Diseases:     nonNil(p.Diseases),
		CasualTimes:  formatTimes(p.CasualTimes),
		Medications:  scheduleInfos(p.Medications),
		Injections:   scheduleInfos(p.Injections),
		HealthIssues: p.HealthIssues,
	}
	return info
}

// History is the prev_cvs payload.
type History struct {
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is one turn in [History].
type HistoryMessage struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Speaker  string `json:"speaker"`
	Contents string `json:"contents"`
}

// NewHistory renders turns in loc. It reports false when there is nothing
// worth showing: no turns, or only the enrollment initialization turn.
func NewHistory(turns []store.Turn, loc *time.Location) (History, bool) {
	if len(turns) == 0 || (len(turns) == 1 && turns[0].Role == store.RoleInitialization) {
		return History{}, false
	}
	h := History{Messages: make([]HistoryMessage, 0, len(turns))}
	for _, t := range turns {
		at := t.CreatedAt.In(loc)
		h.Messages = append(h.Messages, HistoryMessage{
			Date:     at.Format("2006-01-02"),
			Time:     at.Format("03:04 PM"),
			Speaker:  string(t.Role),
			Contents: strings.TrimSpace(t.Content),
		})
	}
	return h, true
}

func scheduleInfos(s []profile.Schedule) []ScheduleInfo {
	out := make([]ScheduleInfo, 0, len(s))
	for _, sch := range s {
		out = append(out, ScheduleInfo{Name: sch.Name, Times: formatTimes(sch.Times)})
	}
	return out
}

func formatTimes(ts []profile.TimeOfDay) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.String())
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

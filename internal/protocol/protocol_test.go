package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/store"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   string
		want    Request
		wantErr bool
	}{
		{name: "version", frame: "version#1.0.3", want: Request{Command: Version, UserID: "1.0.3"}},
		{name: "search", frame: "search#u1", want: Request{Command: Search, UserID: "u1"}},
		{name: "register", frame: "register#u1#Mina Park", want: Request{Command: Register, UserID: "u1", Arg: "Mina Park"}},
		{name: "prev_cvs", frame: "prev_cvs#u1", want: Request{Command: PrevCvs, UserID: "u1"}},
		{name: "welcome_tts", frame: "welcome_tts#u1\n", want: Request{Command: WelcomeTTS, UserID: "u1"}},
		{name: "human_cvs", frame: "human_cvs#u1#AAEC", want: Request{Command: HumanCvs, UserID: "u1", Arg: "AAEC"}},
		{name: "arg keeps separators", frame: "register#u1#a#b", want: Request{Command: Register, UserID: "u1", Arg: "a#b"}},
		{name: "single field", frame: "version", wantErr: true},
		{name: "empty", frame: "", wantErr: true},
		{name: "unknown command", frame: "dance#u1", wantErr: true},
		{name: "uid mismatch", frame: "search#u2", wantErr: true},
		{name: "register without name", frame: "register#u1", wantErr: true},
		{name: "human_cvs without audio", frame: "human_cvs#u1#  ", wantErr: true},
		{name: "prefix is not enough", frame: "searching#u1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.frame, "u1")
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedCommand) {
					t.Fatalf("Parse(%q) err = %v, want ErrMalformedCommand", tt.frame, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.frame, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.frame, got, tt.want)
			}
		})
	}
}

func TestFrames(t *testing.T) {
	t.Parallel()

	if got := Frame(AICvsText, "Hi there"); got != "ai_cvs_text#Hi there" {
		t.Errorf("Frame = %q", got)
	}
	if got := ErrorFrame(HumanCvs); got != "human_cvs#ERROR" {
		t.Errorf("ErrorFrame = %q", got)
	}
}

func TestNewUserInfo(t *testing.T) {
	t.Parallel()

	age := 80
	info := NewUserInfo(&profile.Profile{
		UserID:      "u1",
		Name:        "Mina",
		Age:         &age,
		Medications: []profile.Schedule{{Name: "Metformin", Times: []profile.TimeOfDay{profile.NewTimeOfDay(8, 0), profile.NewTimeOfDay(20, 30)}}},
		CasualTimes: []profile.TimeOfDay{profile.NewTimeOfDay(15, 0)},
	})
	b, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"user_id":"u1","name":"Mina","sex":"","age":80,"diseases":[],"casual_alarm":["15:00"],` +
		`"medication_alarm":[{"name":"Metformin","times":["08:00","20:30"]}],"injection_alarm":[],"health_issues":""}`
	if string(b) != want {
		t.Errorf("json = %s\nwant   %s", b, want)
	}
}

func TestNewHistory(t *testing.T) {
	t.Parallel()

	kst := time.FixedZone("KST", 9*60*60)
	at := time.Date(2026, 5, 4, 5, 30, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		if _, ok := NewHistory(nil, kst); ok {
			t.Error("empty history reported as present")
		}
	})

	t.Run("initialization only", func(t *testing.T) {
		t.Parallel()
		_, ok := NewHistory([]store.Turn{{Role: store.RoleInitialization, Content: store.WelcomeMessage, CreatedAt: at}}, kst)
		if ok {
			t.Error("initialization-only history reported as present")
		}
	})

	t.Run("turns", func(t *testing.T) {
		t.Parallel()
		h, ok := NewHistory([]store.Turn{
			{Role: store.RoleInitialization, Content: store.WelcomeMessage, CreatedAt: at},
			{Role: store.RoleUser, Content: " Hi! ", CreatedAt: at.Add(time.Minute)},
		}, kst)
		if !ok || len(h.Messages) != 2 {
			t.Fatalf("history = %+v, %v", h, ok)
		}
		want := HistoryMessage{Date: "2026-05-04", Time: "02:31 PM", Speaker: "user", Contents: "Hi!"}
		if h.Messages[1] != want {
			t.Errorf("message = %+v, want %+v", h.Messages[1], want)
		}
	})
}

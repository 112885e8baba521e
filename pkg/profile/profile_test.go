package profile

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "08:00", want: NewTimeOfDay(8, 0)},
		{in: "23:59", want: NewTimeOfDay(23, 59)},
		{in: " 7:05 ", want: NewTimeOfDay(7, 5)},
		{in: "00:00", want: 0},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTime) {
					t.Fatalf("err = %v, want ErrInvalidTime", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTimeOfDay_Distance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b TimeOfDay
		want time.Duration
	}{
		{"same", NewTimeOfDay(8, 0), NewTimeOfDay(8, 0), 0},
		{"forward", NewTimeOfDay(8, 0), NewTimeOfDay(8, 2), 2 * time.Minute},
		{"backward", NewTimeOfDay(8, 2), NewTimeOfDay(8, 0), 2 * time.Minute},
		{"across midnight", NewTimeOfDay(23, 59), NewTimeOfDay(0, 1), 2 * time.Minute},
		{"half day", NewTimeOfDay(0, 0), NewTimeOfDay(12, 0), 12 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.a.Distance(tt.b); got != tt.want {
				t.Errorf("Distance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeOfDay_ShiftWraps(t *testing.T) {
	t.Parallel()

	if got := NewTimeOfDay(20, 0).Shift(9 * time.Hour); got != NewTimeOfDay(5, 0) {
		t.Errorf("20:00 + 9h = %s, want 05:00", got)
	}
	if got := NewTimeOfDay(3, 0).Shift(-9 * time.Hour); got != NewTimeOfDay(18, 0) {
		t.Errorf("03:00 - 9h = %s, want 18:00", got)
	}
}

func TestNormalizer_AppliesOffsetOnce(t *testing.T) {
	t.Parallel()

	n := Normalizer{Offset: 9 * time.Hour}
	got, err := n.Schedules([]RawSchedule{
		{Name: "Metformin", Times: []string{"23:00", "11:00"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || len(got[0].Times) != 2 {
		t.Fatalf("unexpected schedules: %+v", got)
	}
	if got[0].Times[0] != NewTimeOfDay(8, 0) {
		t.Errorf("times[0] = %s, want 08:00", got[0].Times[0])
	}
	if got[0].Times[1] != NewTimeOfDay(20, 0) {
		t.Errorf("times[1] = %s, want 20:00", got[0].Times[1])
	}
}

func TestNormalizer_RejectsEmptyName(t *testing.T) {
	t.Parallel()

	_, err := Normalizer{}.Schedules([]RawSchedule{{Name: " ", Times: []string{"08:00"}}})
	if err == nil {
		t.Fatal("expected error for empty schedule name")
	}
}

func TestFormatSchedules(t *testing.T) {
	t.Parallel()

	if got := FormatSchedules(nil); got != "none" {
		t.Errorf("empty = %q, want none", got)
	}
	got := FormatSchedules([]Schedule{
		{Name: "Insulin", Times: []TimeOfDay{NewTimeOfDay(7, 30), NewTimeOfDay(19, 30)}},
		{Name: "Aspirin", Times: []TimeOfDay{NewTimeOfDay(9, 0)}},
	})
	want := "Insulin at 07:30, 19:30; Aspirin at 09:00"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLastSummary_Answered(t *testing.T) {
	t.Parallel()

	var nilSummary *LastSummary
	if nilSummary.Answered() {
		t.Error("nil summary reported as answered")
	}
	if (&LastSummary{}).Answered() {
		t.Error("empty summary reported as answered")
	}
	if !(&LastSummary{Summary: "Talked about lunch."}).Answered() {
		t.Error("non-empty summary reported as unanswered")
	}
}

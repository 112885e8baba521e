package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/store"
	"github.com/MrWong99/elf/pkg/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ELF_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ELF_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ELF_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a [postgres.Store] on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, table := range []string{"summaries", "turns", "alarms", "health_info", "users"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
	pool.Close()

	st, err := postgres.Open(ctx, dsn, profile.Normalizer{}, postgres.WithMigrate(true))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestIntegration_EnrollAndConverse(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	age := 78
	err := st.Enroll(ctx, store.Enrollment{
		UserID:      "u1",
		Name:        "Mina",
		Age:         &age,
		Diseases:    []string{"hypertension"},
		Medications: []profile.RawSchedule{{Name: "Amlodipine", Times: []string{"08:00", "20:00"}}},
		CasualTimes: []string{"15:00"},
	})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	p, err := st.LoadProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if len(p.Medications) != 1 || len(p.Medications[0].Times) != 2 {
		t.Errorf("medications = %+v", p.Medications)
	}
	if p.LastSummary != nil {
		t.Errorf("LastSummary = %+v, want nil", p.LastSummary)
	}

	start := time.Now().Truncate(time.Second)
	sid := store.SessionID("u1", start)
	for i, role := range []store.Role{store.RoleAssistant, store.RoleUser} {
		if err := st.AppendTurn(ctx, store.Turn{
			SessionID: sid, Number: i + 1, UserID: "u1", UserName: "Mina",
			SessionStart: start, Role: role, Content: string(role),
			CreatedAt: start.Add(time.Duration(i+1) * time.Second),
		}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	if err := st.AttachAudio(ctx, sid, 2, sid+"_0002.wav"); err != nil {
		t.Fatalf("AttachAudio: %v", err)
	}

	turns, err := st.SessionTurns(ctx, sid)
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != 2 || turns[1].AudioRef != sid+"_0002.wav" {
		t.Errorf("turns = %+v", turns)
	}

	recent, err := st.RecentTurns(ctx, "u1", 20)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(recent) != 3 || recent[0].Role != store.RoleInitialization {
		t.Errorf("recent = %+v", recent)
	}

	if err := st.InsertSummary(ctx, store.Summary{
		SessionID: sid, UserID: "u1", UserName: "Mina", SessionStart: start, Text: "All well.",
	}); err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}
	p, _ = st.LoadProfile(ctx, "u1")
	if !p.LastSummary.Answered() {
		t.Errorf("LastSummary = %+v, want answered", p.LastSummary)
	}

	ok, err := st.Rebind(ctx, "u2", "Mina")
	if err != nil || !ok {
		t.Fatalf("Rebind = %v, %v", ok, err)
	}
	if _, err := st.LoadProfile(ctx, "u1"); !errors.Is(err, store.ErrProfileNotFound) {
		t.Errorf("old id still resolves: %v", err)
	}
	p, err = st.LoadProfile(ctx, "u2")
	if err != nil || p.LegacyID != "u1" {
		t.Errorf("rebound profile = %+v, %v", p, err)
	}
}

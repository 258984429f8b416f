package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "wagate.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndFind(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	sched := time.Unix(1900000000, 0).UTC()
	msg := &Message{
		ID:        "m1",
		BatchCode: "batch-1",
		JobID:     "job-1",
		Receiver:  "081234567890",
		JID:       "6281234567890@s.whatsapp.net",
		Payload:   json.RawMessage(`{"text":"hello"}`),
		Schedule:  &sched,
	}
	if err := s.Create(ctx, msg); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	tests := []struct {
		name string
		f    Filter
	}{
		{name: "by id", f: Filter{ID: "m1"}},
		{name: "by job id", f: Filter{JobID: "job-1"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Find(ctx, tt.f)
			if err != nil {
				t.Fatalf("Find error: %v", err)
			}
			if got.ID != "m1" || got.JobID != "job-1" || got.JID != msg.JID {
				t.Fatalf("unexpected message: %+v", got)
			}
			if got.Schedule == nil || !got.Schedule.Equal(sched) {
				t.Fatalf("schedule = %v, want %v", got.Schedule, sched)
			}
			if string(got.Payload) != `{"text":"hello"}` {
				t.Fatalf("payload = %s", got.Payload)
			}
			if len(got.Histories) != 0 {
				t.Fatalf("fresh message has histories: %v", got.Histories)
			}
		})
	}
}

func TestFindNotFound(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	if _, err := s.Find(context.Background(), Filter{ID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	// An empty filter must not match an arbitrary row.
	if _, err := s.Find(context.Background(), Filter{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty filter error = %v, want ErrNotFound", err)
	}
}

func TestUpdatePartial(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Message{ID: "m1", JobID: "job-1", Receiver: "r"}); err != nil {
		t.Fatal(err)
	}

	tmid := "wamid-1"
	matched, err := s.Update(ctx, Filter{JobID: "job-1"}, Update{TransportMessageID: &tmid})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if !matched {
		t.Fatal("Update matched nothing")
	}

	got, err := s.Find(ctx, Filter{TransportMessageID: "wamid-1"})
	if err != nil {
		t.Fatalf("Find by transport id error: %v", err)
	}
	if got.ID != "m1" {
		t.Fatalf("found wrong message: %s", got.ID)
	}
	// Untouched columns stay put.
	if got.Status != "" || got.FailReason != "" {
		t.Fatalf("unexpected mutation: status=%q failReason=%q", got.Status, got.FailReason)
	}

	status := "SENT"
	hist := []HistoryEntry{{Status: "SENT", Timestamp: 1700000000}}
	if _, err := s.Update(ctx, Filter{ID: "m1"}, Update{Status: &status, Histories: hist}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Find(ctx, Filter{ID: "m1"})
	if got.Status != "SENT" || len(got.Histories) != 1 || got.Histories[0].Status != "SENT" {
		t.Fatalf("history round-trip failed: %+v", got)
	}
}

func TestUpdateNoMatch(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	status := "SENT"
	matched, err := s.Update(context.Background(), Filter{JobID: "ghost"}, Update{Status: &status})
	if err != nil {
		t.Fatal(err)
	}
	if matched {
		t.Fatal("matched a nonexistent row")
	}
}

func TestJobIDUnique(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Message{ID: "m1", JobID: "job-1", Receiver: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, &Message{ID: "m2", JobID: "job-1", Receiver: "r"}); err == nil {
		t.Fatal("duplicate jobId accepted")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Message{ID: "m1", Receiver: "r"}); err != nil {
		t.Fatal(err)
	}
	removed, err := s.Delete(ctx, "m1")
	if err != nil || !removed {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = s.Delete(ctx, "m1")
	if err != nil || removed {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestListPagination(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		m := &Message{
			ID:       fmt.Sprintf("m%02d", i),
			Receiver: fmt.Sprintf("62812345%04d", i),
			Status:   "SENT",
		}
		if i%5 == 0 {
			m.BatchCode = "batch-a"
		}
		if err := s.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, page, err := s.List(ctx, ListQuery{Page: 2, Size: 10})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 25 || page.Page != 2 || page.Size != 10 {
		t.Fatalf("page = %+v", page)
	}
	if len(msgs) != 10 {
		t.Fatalf("len(msgs) = %d, want 10", len(msgs))
	}

	msgs, page, err = s.List(ctx, ListQuery{BatchCode: "batch-a", Page: 1, Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || len(msgs) != 5 {
		t.Fatalf("batch filter: total=%d len=%d, want 5/5", page.Total, len(msgs))
	}

	msgs, _, err = s.List(ctx, ListQuery{Search: "628123450001", Page: 1, Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m01" {
		t.Fatalf("search returned %v", msgs)
	}
}

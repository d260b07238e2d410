package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/callwire/callwire/internal/signal"
)

func TestArchiveAndRecent(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	recs := []*signal.CallRecord{
		{ID: "c1", CallerID: "alice", CalleeID: "bob", Type: signal.CallVoice,
			Status: signal.StatusEnded, CreatedAt: base,
			StartedAt: base.Add(5 * time.Second), EndedAt: base.Add(65 * time.Second)},
		{ID: "c2", CallerID: "bob", CalleeID: "alice", Type: signal.CallVideo,
			Status: signal.StatusRejected, CreatedAt: base.Add(time.Hour)},
	}
	for _, r := range recs {
		reason := "hangup"
		if r.Status == signal.StatusRejected {
			reason = "rejected"
		}
		if err := st.Archive(r, reason); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].CallID != "c2" {
		t.Fatalf("newest first: got %s", got[0].CallID)
	}
	if got[1].Duration() != time.Minute {
		t.Fatalf("duration = %v, want 1m", got[1].Duration())
	}
	if got[0].Duration() != 0 {
		t.Fatalf("rejected call duration = %v, want 0", got[0].Duration())
	}
}

func TestArchiveIsUpsert(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := &signal.CallRecord{
		ID: "c1", CallerID: "alice", CalleeID: "bob", Type: signal.CallVoice,
		Status: signal.StatusActive, CreatedAt: time.Now(),
	}
	if err := st.Archive(rec, ""); err != nil {
		t.Fatal(err)
	}
	rec.Status = signal.StatusEnded
	rec.EndedAt = time.Now()
	if err := st.Archive(rec, "hangup"); err != nil {
		t.Fatal(err)
	}

	got, err := st.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1 after upsert", len(got))
	}
	if got[0].Status != signal.StatusEnded || got[0].Reason != "hangup" {
		t.Fatalf("upsert did not overwrite: %+v", got[0])
	}
}

package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gdb
}

type payload struct {
	TicketID string `json:"ticket_id"`
}

func TestEnqueue_Defaults(t *testing.T) {
	q := New(testDB(t))
	job, err := q.Enqueue(context.Background(), "ingest", payload{TicketID: "tkt-1"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", job.MaxAttempts)
	}
	if job.BackoffBaseMs != 5000 {
		t.Errorf("BackoffBaseMs = %d, want 5000", job.BackoffBaseMs)
	}

	var p payload
	if err := Decode(job, &p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.TicketID != "tkt-1" {
		t.Errorf("payload ticket = %q", p.TicketID)
	}
}

func TestEnqueue_RequiresName(t *testing.T) {
	q := New(testDB(t))
	if _, err := q.Enqueue(context.Background(), "", nil, Options{}); err == nil {
		t.Fatal("expected error for empty queue name")
	}
}

func TestClaim_OrderAndIsolation(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	first, _ := q.Enqueue(ctx, "intent", payload{"a"}, Options{})
	q.Enqueue(ctx, "intent", payload{"b"}, Options{})
	q.Enqueue(ctx, "agent", payload{"c"}, Options{})

	job, err := q.Claim(ctx, "intent", "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.ID != first.ID {
		t.Errorf("claimed job %d, want oldest %d", job.ID, first.ID)
	}
	if job.Status != StatusRunning || job.LockedBy != "w1" || job.Attempts != 1 {
		t.Errorf("claimed job = %+v", job)
	}

	second, err := q.Claim(ctx, "intent", "w2")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if second.ID == job.ID {
		t.Error("same job claimed twice")
	}
	if _, err := q.Claim(ctx, "intent", "w3"); !errors.Is(err, ErrEmpty) {
		t.Errorf("third Claim err = %v, want ErrEmpty", err)
	}
}

func TestClaim_SkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	q.Enqueue(ctx, "ingest", payload{"x"}, Options{Delay: time.Hour})
	if _, err := q.Claim(ctx, "ingest", "w"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty for delayed job", err)
	}
	q.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	if _, err := q.Claim(ctx, "ingest", "w"); err != nil {
		t.Fatalf("Claim after delay: %v", err)
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		attempts  int
		wantDelay time.Duration
		wantDead  bool
	}{
		{1, 5 * time.Second, false},
		{2, 10 * time.Second, false},
		{3, 0, true},
	}
	for _, tt := range tests {
		d, dead := NextBackoff(5*time.Second, tt.attempts, 3)
		if d != tt.wantDelay || dead != tt.wantDead {
			t.Errorf("NextBackoff(attempt %d) = %s, %v; want %s, %v", tt.attempts, d, dead, tt.wantDelay, tt.wantDead)
		}
	}
}

func TestFail_RetriesThenDies(t *testing.T) {
	ctx := context.Background()
	gdb := testDB(t)
	q := New(gdb)
	now := time.Now()
	q.SetClock(func() time.Time { return now })
	q.Enqueue(ctx, "agent", payload{"t"}, Options{})

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Claim(ctx, "agent", "w")
		if err != nil {
			t.Fatalf("attempt %d: Claim: %v", attempt, err)
		}
		dead, err := q.Fail(ctx, job, errors.New("llm timeout"))
		if err != nil {
			t.Fatalf("attempt %d: Fail: %v", attempt, err)
		}
		if wantDead := attempt == 3; dead != wantDead {
			t.Fatalf("attempt %d: dead = %v, want %v", attempt, dead, wantDead)
		}
		if !dead {
			var stored models.Job
			gdb.First(&stored, job.ID)
			wantRunAt := now.Add(time.Duration(5<<(attempt-1)) * time.Second)
			if !stored.RunAt.Equal(wantRunAt) {
				t.Errorf("attempt %d: run_at = %s, want %s", attempt, stored.RunAt, wantRunAt)
			}
			// jump past the backoff
			now = now.Add(time.Minute)
		}
	}

	var stored models.Job
	gdb.First(&stored)
	if stored.Status != StatusDead || stored.LastError != "llm timeout" || stored.Attempts != 3 {
		t.Errorf("final job = %+v", stored)
	}
}

func TestFail_PermanentDiesImmediately(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	q.Enqueue(ctx, "intent", payload{"t"}, Options{})
	job, _ := q.Claim(ctx, "intent", "w")

	dead, err := q.Fail(ctx, job, Permanent(errors.New("no bound agent")))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !dead {
		t.Error("permanent error should kill the job on first attempt")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	p := Permanent(base)
	if !IsPermanent(p) {
		t.Error("IsPermanent(Permanent(err)) = false")
	}
	if !errors.Is(p, base) {
		t.Error("Permanent does not unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	q.Enqueue(ctx, "safety", payload{"t"}, Options{MaxAttempts: 1})
	job, _ := q.Claim(ctx, "safety", "w")
	q.Fail(ctx, job, errors.New("x"))

	if err := q.Requeue(ctx, job.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusPending || got.Attempts != 0 || got.LastError != "" {
		t.Errorf("requeued job = %+v", got)
	}
	if err := q.Requeue(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Requeue(missing) err = %v", err)
	}
}

func TestRequeue_OnlyDeadJobs(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	pending, _ := q.Enqueue(ctx, "a", nil, Options{})
	q.Enqueue(ctx, "b", nil, Options{})
	running, _ := q.Claim(ctx, "b", "w")
	q.Enqueue(ctx, "c", nil, Options{})
	done, _ := q.Claim(ctx, "c", "w")
	if err := q.Complete(ctx, done); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	for _, id := range []uint{pending.ID, running.ID, done.ID} {
		before, _ := q.Get(ctx, id)
		err := q.Requeue(ctx, id)
		if !errors.Is(err, ErrNotDead) || !strings.Contains(err.Error(), before.Status) {
			t.Errorf("Requeue(%s job) err = %v, want ErrNotDead", before.Status, err)
		}
		after, _ := q.Get(ctx, id)
		if after.Status != before.Status || after.Attempts != before.Attempts {
			t.Errorf("Requeue changed %s job: %+v", before.Status, after)
		}
	}
}

func TestLease_ReleasedJobBelongsToNewWorker(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	now := time.Now()
	q.SetClock(func() time.Time { return now })
	q.Enqueue(ctx, "agent", payload{"t"}, Options{})

	first, err := q.Claim(ctx, "agent", "worker-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	now = now.Add(11 * time.Minute)
	if n, err := q.ReleaseStale(ctx, 10*time.Minute); err != nil || n != 1 {
		t.Fatalf("ReleaseStale = %d, %v; want 1", n, err)
	}
	second, err := q.Claim(ctx, "agent", "worker-b")
	if err != nil || second.ID != first.ID {
		t.Fatalf("second Claim = %+v, %v", second, err)
	}

	if err := q.Complete(ctx, first); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Complete by old worker err = %v, want ErrLeaseLost", err)
	}
	if _, err := q.Fail(ctx, first, errors.New("late")); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Fail by old worker err = %v, want ErrLeaseLost", err)
	}
	if err := q.Heartbeat(ctx, first); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Heartbeat by old worker err = %v, want ErrLeaseLost", err)
	}
	got, _ := q.Get(ctx, first.ID)
	if got.Status != StatusRunning || got.LockedBy != "worker-b" {
		t.Fatalf("job after old worker = %+v", got)
	}

	if err := q.Complete(ctx, second); err != nil {
		t.Fatalf("Complete by new worker: %v", err)
	}
}

func TestHeartbeat_KeepsLease(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	now := time.Now()
	q.SetClock(func() time.Time { return now })
	q.Enqueue(ctx, "agent", payload{"t"}, Options{})
	job, _ := q.Claim(ctx, "agent", "w")

	now = now.Add(8 * time.Minute)
	if err := q.Heartbeat(ctx, job); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	now = now.Add(8 * time.Minute)
	if n, err := q.ReleaseStale(ctx, 10*time.Minute); err != nil || n != 0 {
		t.Fatalf("ReleaseStale after heartbeat = %d, %v; want 0", n, err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestReleaseStale(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	q.Enqueue(ctx, "agent", payload{"t"}, Options{})
	job, _ := q.Claim(ctx, "agent", "w")

	n, err := q.ReleaseStale(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("ReleaseStale(fresh lock) = %d, %v; want 0", n, err)
	}

	q.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	n, err = q.ReleaseStale(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("ReleaseStale(expired lock) = %d, %v; want 1", n, err)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusPending || got.LockedBy != "" || got.Attempts != 1 {
		t.Errorf("released job = %+v", got)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	q := New(testDB(t))
	q.Enqueue(ctx, "a", nil, Options{})
	q.Enqueue(ctx, "b", nil, Options{})
	job, _ := q.Claim(ctx, "a", "w")
	q.Complete(ctx, job)

	all, err := q.List(ctx, "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("List(all) = %d, %v", len(all), err)
	}
	done, _ := q.List(ctx, StatusDone, 10)
	if len(done) != 1 || done[0].ID != job.ID {
		t.Errorf("List(done) = %+v", done)
	}
}

package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/bus"
	"github.com/mfpaiva/zapgate/internal/config"
	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/store"
)

type fakeConn struct {
	engine.Conn
	sendErr error
	sent    []string
}

func (f *fakeConn) SendMessage(_ context.Context, toJID string, _ *engine.OutgoingPayload) (*engine.Receipt, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, toJID)
	return &engine.Receipt{MessageID: "SRV1", Timestamp: time.Now()}, nil
}

type fakeResolver struct {
	conns map[string]engine.Conn
}

func (f *fakeResolver) Conn(sessionID string) (engine.Conn, bool) {
	c, ok := f.conns[sessionID]
	return c, ok
}

func newTestQueue(t *testing.T, resolver ConnResolver) (*Queue, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New()
	cfg := config.QueueConfig{Concurrency: 2, MaxAttempts: 3, BackoffMS: 2000, KeepCompleted: 100, KeepFailed: 500}
	return New(db, resolver, b, cfg, zap.NewNop()), db, b
}

func claimOne(t *testing.T, db *store.DB) store.Job {
	t.Helper()
	jobs, err := db.ClaimDueJobs(1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d jobs", len(jobs))
	}
	return jobs[0]
}

func TestProcessSuccess(t *testing.T) {
	conn := &fakeConn{}
	q, db, b := newTestQueue(t, &fakeResolver{conns: map[string]engine.Conn{"s1": conn}})

	events, stop := b.Subscribe("queue.", 8)
	defer stop()

	id, err := q.Enqueue(context.Background(), "s1", "5511888888888@s.whatsapp.net", &engine.OutgoingPayload{Text: "oi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.process(context.Background(), claimOne(t, db))

	j, err := db.GetJob(id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != store.JobDone {
		t.Fatalf("status = %q", j.Status)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("sent %d messages", len(conn.sent))
	}

	select {
	case evt := <-events:
		res, ok := evt.Payload.(JobResult)
		if !ok || res.Status != store.JobDone || res.MessageID != "SRV1" {
			t.Fatalf("event payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestProcessRetriesWithBackoff(t *testing.T) {
	conn := &fakeConn{sendErr: errors.New("boom")}
	q, db, _ := newTestQueue(t, &fakeResolver{conns: map[string]engine.Conn{"s1": conn}})

	id, err := q.Enqueue(context.Background(), "s1", "x@s.whatsapp.net", &engine.OutgoingPayload{Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}

	// First failure: reschedule roughly 2s out.
	before := time.Now().UnixMilli()
	q.process(context.Background(), claimOne(t, db))
	j, _ := db.GetJob(id)
	if j.Status != store.JobQueued || j.Attempts != 1 {
		t.Fatalf("after first failure: %+v", j)
	}
	delay := j.NextAttemptAt - before
	if delay < 1900 || delay > 2500 {
		t.Fatalf("first delay = %dms", delay)
	}

	// Second failure: roughly 4s out.
	j2 := *j
	j2.Status = store.JobRunning
	before = time.Now().UnixMilli()
	q.process(context.Background(), j2)
	j, _ = db.GetJob(id)
	if j.Attempts != 2 {
		t.Fatalf("after second failure: %+v", j)
	}
	delay = j.NextAttemptAt - before
	if delay < 3900 || delay > 4500 {
		t.Fatalf("second delay = %dms", delay)
	}
}

func TestProcessFailsPermanently(t *testing.T) {
	conn := &fakeConn{sendErr: errors.New("boom")}
	q, db, b := newTestQueue(t, &fakeResolver{conns: map[string]engine.Conn{"s1": conn}})

	events, stop := b.Subscribe("queue.", 8)
	defer stop()

	id, err := q.Enqueue(context.Background(), "s1", "x@s.whatsapp.net", &engine.OutgoingPayload{Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}

	j, _ := db.GetJob(id)
	j.Status = store.JobRunning
	j.Attempts = 2 // third attempt is the last
	q.process(context.Background(), *j)

	j, _ = db.GetJob(id)
	if j.Status != store.JobFailed || j.Attempts != 3 {
		t.Fatalf("after final failure: %+v", j)
	}
	if j.LastError != "boom" {
		t.Fatalf("last error = %q", j.LastError)
	}

	select {
	case evt := <-events:
		if evt.Kind != bus.KindJobFailed {
			t.Fatalf("event kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestProcessSessionUnavailableRetries(t *testing.T) {
	q, db, _ := newTestQueue(t, &fakeResolver{conns: map[string]engine.Conn{}})

	id, err := q.Enqueue(context.Background(), "ghost", "x@s.whatsapp.net", &engine.OutgoingPayload{Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}
	q.process(context.Background(), claimOne(t, db))

	j, _ := db.GetJob(id)
	if j.Status != store.JobQueued || j.Attempts != 1 {
		t.Fatalf("job = %+v", j)
	}
	if j.LastError != ErrSessionUnavailable.Error() {
		t.Fatalf("last error = %q", j.LastError)
	}
}

func TestStartStop(t *testing.T) {
	conn := &fakeConn{}
	q, db, _ := newTestQueue(t, &fakeResolver{conns: map[string]engine.Conn{"s1": conn}})

	id, err := q.Enqueue(context.Background(), "s1", "x@s.whatsapp.net", &engine.OutgoingPayload{Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := db.GetJob(id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == store.JobDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %+v", j)
		}
		time.Sleep(50 * time.Millisecond)
	}
	q.Stop()
}

func TestStartRequeuesStranded(t *testing.T) {
	q, db, _ := newTestQueue(t, &fakeResolver{conns: map[string]engine.Conn{}})

	id, err := db.EnqueueJob("s1", "x@s.whatsapp.net", []byte(`{"text":"oi"}`), 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimDueJobs(1); err != nil {
		t.Fatal(err)
	}

	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	q.Stop()

	j, _ := db.GetJob(id)
	if j.Status == store.JobRunning {
		t.Fatalf("stranded job not requeued: %+v", j)
	}
}

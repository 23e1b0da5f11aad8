package lobby

import (
	"context"
	"errors"
	"testing"

	"github.com/callbridgehq/callbridge/internal/identity"
)

func entry(id string) Entry {
	d := identity.CommunicationUser(id)
	return Entry{Key: d.Key(), Descriptor: d, DisplayName: id}
}

func okAction(context.Context, identity.Descriptor) error { return nil }

func TestEnqueueFIFOAndDedup(t *testing.T) {
	q := New()
	if !q.Enqueue(entry("a")) || !q.Enqueue(entry("b")) {
		t.Fatal("initial enqueues failed")
	}
	if q.Enqueue(entry("a")) {
		t.Fatal("duplicate key was enqueued")
	}
	front, ok := q.Front()
	if !ok || front.Key != "user:a" {
		t.Fatalf("front = %+v", front)
	}
}

func TestFrontRecomputedAfterRemoval(t *testing.T) {
	q := New()
	q.Enqueue(entry("a"))
	q.Enqueue(entry("b"))
	q.Dequeue(identity.Key("user:a"))
	front, ok := q.Front()
	if !ok || front.Key != "user:b" {
		t.Fatalf("front after removal = %+v, ok=%v", front, ok)
	}
}

func TestDequeueAbsentSilent(t *testing.T) {
	q := New()
	if q.Dequeue(identity.Key("user:ghost")) {
		t.Fatal("dequeue of absent key reported removal")
	}
}

func TestRequestAdmitSuccess(t *testing.T) {
	q := New()
	q.Enqueue(entry("a"))

	var admitted identity.Descriptor
	e, err := q.RequestAdmit(context.Background(), "user:a", func(_ context.Context, d identity.Descriptor) error {
		admitted = d
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Key != "user:a" || admitted.CommunicationUserID != "a" {
		t.Fatalf("resolved entry %+v, admitted %+v", e, admitted)
	}
	if q.Len() != 0 {
		t.Fatal("entry stayed queued after successful admit")
	}
	if q.InFlight() {
		t.Fatal("in-flight guard not cleared")
	}
}

func TestRequestAdmitFailureKeepsEntry(t *testing.T) {
	q := New()
	q.Enqueue(entry("a"))

	_, err := q.RequestAdmit(context.Background(), "user:a", func(context.Context, identity.Descriptor) error {
		return errors.New("backend said no")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if q.Len() != 1 {
		t.Fatal("failed admit removed the entry")
	}
	if q.InFlight() {
		t.Fatal("in-flight guard stuck after failure")
	}
}

func TestSingleFlight(t *testing.T) {
	q := New()
	q.Enqueue(entry("a"))
	q.Enqueue(entry("b"))

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := q.RequestAdmit(context.Background(), "user:a", func(context.Context, identity.Descriptor) error {
			close(started)
			<-release
			return nil
		})
		done <- err
	}()

	<-started
	if _, err := q.RequestAdmit(context.Background(), "user:b", okAction); !errors.Is(err, ErrAdmissionInFlight) {
		t.Fatalf("second admit during flight: err = %v", err)
	}
	if _, err := q.RequestReject(context.Background(), "user:a", okAction); !errors.Is(err, ErrAdmissionInFlight) {
		t.Fatalf("reject during flight: err = %v", err)
	}
	if q.Len() != 2 {
		t.Fatal("blocked requests mutated the queue")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
}

func TestRemovalDuringFlightWins(t *testing.T) {
	q := New()
	q.Enqueue(entry("a"))

	_, err := q.RequestAdmit(context.Background(), "user:a", func(context.Context, identity.Descriptor) error {
		// Roster-removed event lands while the admit call is outstanding.
		q.Dequeue(identity.Key("user:a"))
		return nil
	})
	if !errors.Is(err, ErrNotQueued) {
		t.Fatalf("err = %v, want ErrNotQueued", err)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	q := New()
	if _, err := q.RequestAdmit(context.Background(), "user:ghost", okAction); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("err = %v, want ErrNotQueued", err)
	}
}

func TestClearResetsGuard(t *testing.T) {
	q := New()
	q.Enqueue(entry("a"))
	q.Clear()
	if q.Len() != 0 || q.InFlight() {
		t.Fatal("clear left state behind")
	}
}

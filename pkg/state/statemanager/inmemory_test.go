package statemanager_test

import (
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jorgeolive/peregrinapp-backend/pkg/state"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state/statemanager"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type nopTransport struct{}

func (nopTransport) Send([]byte) {}
func (nopTransport) Close(error) {}

func newTestConn(userID string) *state.Connection {
	return &state.Connection{
		UserID:      userID,
		DisplayName: "user " + userID,
		Transport:   nopTransport{},
		ConnectedAt: time.Now(),
	}
}

// --- Registry Tests ---

func TestRegistryLifecycle(t *testing.T) {
	r := statemanager.NewInMemoryRegistry(newTestLogger())
	conn := newTestConn("user-1")

	if prev := r.Register(conn); prev != nil {
		t.Fatalf("Register of a fresh identity returned a superseded connection")
	}

	got, found := r.Get("user-1")
	if !found {
		t.Fatal("Get failed to find registered connection")
	}
	if got != conn {
		t.Error("Get returned a different connection than was registered")
	}
	if r.Len() != 1 {
		t.Errorf("Expected registry length 1, got %d", r.Len())
	}

	r.Unregister("user-1")
	if _, found := r.Get("user-1"); found {
		t.Error("Found connection after it should have been unregistered")
	}
	// Unregistering again is a no-op.
	r.Unregister("user-1")
}

func TestRegistrySupersede(t *testing.T) {
	r := statemanager.NewInMemoryRegistry(newTestLogger())
	first := newTestConn("user-1")
	second := newTestConn("user-1")

	r.Register(first)
	prev := r.Register(second)

	if prev != first {
		t.Fatal("Register did not return the superseded connection")
	}
	got, _ := r.Get("user-1")
	if got != second {
		t.Error("Registry did not keep the newer connection")
	}
	if r.Len() != 1 {
		t.Errorf("Expected a single entry after supersede, got %d", r.Len())
	}
}

func TestRegistryUserIDs(t *testing.T) {
	r := statemanager.NewInMemoryRegistry(newTestLogger())
	r.Register(newTestConn("a"))
	r.Register(newTestConn("b"))
	r.Register(newTestConn("c"))

	ids := r.UserIDs()
	sort.Strings(ids)
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected id %s at %d, got %s", want[i], i, ids[i])
		}
	}
}

// --- Session Tracker Tests ---

func TestSessionSymmetry(t *testing.T) {
	s := statemanager.NewSessionTable(newTestLogger())

	s.Track("a", "b")
	if !s.HasSession("a", "b") || !s.HasSession("b", "a") {
		t.Fatal("Track did not create a symmetric session")
	}

	partners := s.PartnersOf("a")
	if len(partners) != 1 || partners[0] != "b" {
		t.Errorf("Expected partners of a to be [b], got %v", partners)
	}
	partners = s.PartnersOf("b")
	if len(partners) != 1 || partners[0] != "a" {
		t.Errorf("Expected partners of b to be [a], got %v", partners)
	}

	// Tracking again is idempotent.
	s.Track("a", "b")
	if len(s.PartnersOf("a")) != 1 {
		t.Error("Repeated Track duplicated the session entry")
	}
}

func TestSessionSelfAndEmptyIgnored(t *testing.T) {
	s := statemanager.NewSessionTable(newTestLogger())
	s.Track("a", "a")
	s.Track("", "b")
	if len(s.PartnersOf("a")) != 0 || len(s.PartnersOf("b")) != 0 {
		t.Error("Self or empty identities must not create sessions")
	}
}

func TestSessionEnd(t *testing.T) {
	s := statemanager.NewSessionTable(newTestLogger())
	s.Track("a", "b")
	s.Track("a", "c")

	s.End("a", "b")
	if s.HasSession("a", "b") || s.HasSession("b", "a") {
		t.Error("End did not remove the session from both endpoints")
	}
	if !s.HasSession("a", "c") {
		t.Error("End removed an unrelated session")
	}
}

func TestSessionCleanup(t *testing.T) {
	s := statemanager.NewSessionTable(newTestLogger())
	s.Track("a", "b")
	s.Track("a", "c")
	s.Track("b", "c")

	s.Cleanup("a")

	if len(s.PartnersOf("a")) != 0 {
		t.Error("Cleanup did not drop the user's own set")
	}
	if s.HasSession("b", "a") || s.HasSession("c", "a") {
		t.Error("Cleanup did not remove the user from partner sets")
	}
	if !s.HasSession("b", "c") {
		t.Error("Cleanup removed a session between two other users")
	}
}

func TestSessionConcurrency(t *testing.T) {
	s := statemanager.NewSessionTable(newTestLogger())
	numGoroutines := 100
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := "user" + strconv.Itoa(i%10)
			b := "user" + strconv.Itoa((i+1)%10)
			s.Track(a, b)
			s.PartnersOf(a)
			if i%3 == 0 {
				s.Cleanup(a)
			}
		}(i)
	}
	wg.Wait()
}

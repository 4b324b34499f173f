package fs

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ezspot/ezspot/store"
)

func newTestStore(t *testing.T, path string) *File {
	t.Helper()
	f, err := New(Config{Path: path}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("error creating store: %v", err)
	}
	return f
}

// waitForFile polls for the async snapshot write to land.
func waitForFile(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("snapshot %q never written", path)
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f := newTestStore(t, path)

	if err := f.AddRoom(store.Room{
		ID:        100000,
		CreatedAt: time.Now(),
		Passwords: map[string]store.Password{
			"master": {Kind: store.PasswordOneOff},
		},
	}); err != nil {
		t.Fatalf("error adding room: %v", err)
	}
	if err := f.AddMember(100000, "c1"); err != nil {
		t.Fatalf("error adding member: %v", err)
	}
	if err := f.AddSession("t1", store.Session{
		ClientID:    "c1",
		Fingerprint: "fp",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, time.Hour); err != nil {
		t.Fatalf("error adding session: %v", err)
	}

	f.save()
	waitForFile(t, path)

	// A fresh store instance picks the state back up.
	g := newTestStore(t, path)

	ok, err := g.RoomExists(100000)
	if err != nil || !ok {
		t.Fatalf("room not restored: ok=%v err=%v", ok, err)
	}
	if _, err := g.GetPassword(100000, "master"); err != nil {
		t.Fatalf("password not restored: %v", err)
	}
	ok, err = g.HasMember(100000, "c1")
	if err != nil || !ok {
		t.Fatalf("member not restored: ok=%v err=%v", ok, err)
	}
	sess, err := g.GetSession("t1")
	if err != nil {
		t.Fatalf("session not restored: %v", err)
	}
	if sess.ClientID != "c1" || sess.Fingerprint != "fp" {
		t.Fatalf("unexpected restored session: %+v", sess)
	}
}

func TestSaveSkipsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f := newTestStore(t, path)

	// Nothing changed, nothing written.
	f.save()
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no snapshot for a clean store, got %v", err)
	}
}

func TestTakeSemantics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f := newTestStore(t, path)

	if err := f.AddRoom(store.Room{ID: 1, Passwords: map[string]store.Password{
		"master": {Kind: store.PasswordOneOff},
	}}); err != nil {
		t.Fatalf("error adding room: %v", err)
	}

	taken, err := f.TakePassword(1, "master")
	if err != nil || !taken {
		t.Fatalf("expected first take to win: taken=%v err=%v", taken, err)
	}
	taken, err = f.TakePassword(1, "master")
	if err != nil || taken {
		t.Fatalf("expected second take to lose: taken=%v err=%v", taken, err)
	}

	if err := f.AddSession("t1", store.Session{ClientID: "c1"}, time.Hour); err != nil {
		t.Fatalf("error adding session: %v", err)
	}
	if _, err := f.TakeSession("t1"); err != nil {
		t.Fatalf("error taking session: %v", err)
	}
	if _, err := f.TakeSession("t1"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

package storage

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestChannelBlobRoundTrip(t *testing.T) {
	s := testDB(t)

	blob := []byte("HFC1\n{\"name\":\"mychannel\"}")
	if err := s.SaveChannel("mychannel", blob); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadChannel("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("expected %q, got %q", blob, got)
	}

	// overwrite
	blob2 := []byte("HFC1\n{\"name\":\"mychannel\",\"peers\":[]}")
	if err := s.SaveChannel("mychannel", blob2); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadChannel("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob2) {
		t.Fatal("expected the overwritten blob")
	}

	// unknown channel
	got, err = s.LoadChannel("other")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil for an unknown channel")
	}
}

func TestListAndDeleteChannels(t *testing.T) {
	s := testDB(t)
	for _, name := range []string{"beta", "alpha"} {
		if err := s.SaveChannel(name, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	names, err := s.ListChannels()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("unexpected names %v", names)
	}

	if err := s.DeleteChannel("alpha"); err != nil {
		t.Fatal(err)
	}
	names, err = s.ListChannels()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "beta" {
		t.Fatalf("unexpected names after delete %v", names)
	}
}

func TestReplayCursorMonotonic(t *testing.T) {
	s := testDB(t)

	last, err := s.LastProcessedBlock("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Fatalf("expected 0 for a fresh channel, got %d", last)
	}

	for _, block := range []uint64{5, 9, 7} {
		if err := s.MarkProcessed("mychannel", block); err != nil {
			t.Fatal(err)
		}
	}
	last, err = s.LastProcessedBlock("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	// the stale write of 7 must not move the cursor backwards
	if last != 9 {
		t.Fatalf("expected cursor at 9, got %d", last)
	}

	// cursors are per channel
	if err := s.MarkProcessed("other", 2); err != nil {
		t.Fatal(err)
	}
	last, err = s.LastProcessedBlock("other")
	if err != nil {
		t.Fatal(err)
	}
	if last != 2 {
		t.Fatalf("expected 2, got %d", last)
	}
}

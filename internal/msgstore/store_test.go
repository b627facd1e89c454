/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package msgstore

import (
	"bytes"
	"testing"

	"github.com/foxcpp/tieredmq/internal/testutils"
)

func openTestStore(t *testing.T, persistent bool) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, persistent, testutils.Logger(t, "msgstore"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := openTestStore(t, true)

	payload := []byte("hello world")
	guid := ComputeGUID(payload)
	client := [16]byte{1}

	if err := s.Write(guid, payload, client); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(guid, client)
	if err != nil {
		t.Fatalf("Read (pending): %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("pending read mismatch: got %q want %q", got, payload)
	}

	s.flushAll()

	got, err = s.Read(guid, client)
	if err != nil {
		t.Fatalf("Read (flushed): %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("flushed read mismatch: got %q want %q", got, payload)
	}
}

func TestWriteIsIdempotentByGUID(t *testing.T) {
	s := openTestStore(t, true)

	payload := []byte("same payload twice")
	guid := ComputeGUID(payload)
	client := [16]byte{2}

	if err := s.Write(guid, payload, client); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(guid, payload, client); err != nil {
		t.Fatal(err)
	}

	s.mu.RLock()
	refcount := s.index[guid].refcount
	s.mu.RUnlock()

	if refcount != 2 {
		t.Fatalf("refcount = %d, want 2", refcount)
	}
}

func TestRemoveDropsRefcountNotImmediateDelete(t *testing.T) {
	s := openTestStore(t, true)

	payload := []byte("removable")
	guid := ComputeGUID(payload)

	if err := s.Write(guid, payload, [16]byte{3}); err != nil {
		t.Fatal(err)
	}
	s.flushAll()

	s.Remove([]GUID{guid})

	if !s.Contains(guid) {
		t.Fatal("Contains should still report true immediately after Remove; deletion is GC's job")
	}

	s.mu.RLock()
	refcount := s.index[guid].refcount
	s.mu.RUnlock()
	if refcount != 0 {
		t.Fatalf("refcount = %d, want 0", refcount)
	}
}

func TestReadOfUnknownGUIDFails(t *testing.T) {
	s := openTestStore(t, true)

	_, err := s.Read(GUID{0xff}, [16]byte{})
	if err == nil {
		t.Fatal("expected an error reading an unknown guid")
	}
}

func TestRecoveredCleanAfterOrderlyClose(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, true, testutils.Logger(t, "msgstore"))
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("persisted across restart")
	guid := ComputeGUID(payload)
	if err := s1.Write(guid, payload, [16]byte{9}); err != nil {
		t.Fatal(err)
	}
	s1.flushAll()
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, true, testutils.Logger(t, "msgstore"))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if !s2.RecoveredClean() {
		t.Fatal("expected a clean-snapshot recovery after an orderly Close")
	}
	if !s2.Contains(guid) {
		t.Fatal("expected the previously written guid to survive a clean restart")
	}
}

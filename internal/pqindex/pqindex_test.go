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

package pqindex

import (
	"testing"

	"github.com/foxcpp/tieredmq/internal/msgstore"
	"github.com/foxcpp/tieredmq/internal/testutils"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir(), 8, testutils.Logger(t, "pqindex"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPublishDeliverAckBounds(t *testing.T) {
	idx := openTestIndex(t)

	guid := msgstore.ComputeGUID([]byte("one"))
	if err := idx.Publish(guid, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := idx.Publish(guid, 1, true); err != nil {
		t.Fatal(err)
	}

	low, next := idx.Bounds()
	if low != 0 || next != 2 {
		t.Fatalf("Bounds = (%d, %d), want (0, 2)", low, next)
	}

	if err := idx.Deliver(0); err != nil {
		t.Fatal(err)
	}
	if err := idx.Ack([]uint64{0}); err != nil {
		t.Fatal(err)
	}

	low, next = idx.Bounds()
	if low != 1 || next != 2 {
		t.Fatalf("Bounds after ack = (%d, %d), want (1, 2)", low, next)
	}
}

func TestReadRangeReportsAckedEntries(t *testing.T) {
	idx := openTestIndex(t)

	guid := msgstore.ComputeGUID([]byte("two"))
	for i := uint64(0); i < 4; i++ {
		if err := idx.Publish(guid, i, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := idx.Ack([]uint64{1}); err != nil {
		t.Fatal(err)
	}

	entries, _, _ := idx.Read(0, 4)
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for _, e := range entries {
		if e.SeqID == 1 && !e.Acked {
			t.Fatal("seq 1 should be reported as acked")
		}
	}
}

func TestJournalReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()

	idx1, err := Open(dir, 8, testutils.Logger(t, "pqindex"))
	if err != nil {
		t.Fatal(err)
	}
	guid := msgstore.ComputeGUID([]byte("persist me"))
	if err := idx1.Publish(guid, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := idx1.Close(); err != nil {
		t.Fatal(err)
	}

	idx2, err := Open(dir, 8, testutils.Logger(t, "pqindex"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx2.Close()

	low, next := idx2.Bounds()
	if low != 0 || next != 1 {
		t.Fatalf("Bounds after reopen = (%d, %d), want (0, 1)", low, next)
	}
}

func TestRecoveryWalkMarksAckedWhenGUIDMissing(t *testing.T) {
	idx := openTestIndex(t)

	missing := msgstore.ComputeGUID([]byte("gone"))
	present := msgstore.ComputeGUID([]byte("here"))
	if err := idx.Publish(missing, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := idx.Publish(present, 1, true); err != nil {
		t.Fatal(err)
	}

	res := idx.RecoveryWalk(func(g msgstore.GUID) bool {
		return g == present
	})

	if res.RecoveredCount != 1 {
		t.Fatalf("RecoveredCount = %d, want 1", res.RecoveredCount)
	}
	if len(res.DurableGUIDs) != 1 || res.DurableGUIDs[0] != present {
		t.Fatalf("DurableGUIDs = %v, want [%v]", res.DurableGUIDs, present)
	}

	entries, _, _ := idx.Read(0, 2)
	for _, e := range entries {
		if e.GUID == missing && !e.Acked {
			t.Fatal("entry for the missing guid should have been marked acked by RecoveryWalk")
		}
	}
}

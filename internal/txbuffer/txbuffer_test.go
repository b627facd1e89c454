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

package txbuffer

import (
	"testing"

	"github.com/foxcpp/tieredmq/internal/backingqueue"
	"github.com/foxcpp/tieredmq/internal/msgstore"
)

func TestPublishesPreserveChronologicalOrder(t *testing.T) {
	b := New()
	txn := backingqueue.TxnID(1)

	first := backingqueue.Message{GUID: msgstore.ComputeGUID([]byte("a"))}
	second := backingqueue.Message{GUID: msgstore.ComputeGUID([]byte("b"))}
	third := backingqueue.Message{GUID: msgstore.ComputeGUID([]byte("c"))}

	b.AppendPublish(txn, first)
	b.AppendPublish(txn, second)
	b.AppendPublish(txn, third)

	got := b.Publishes(txn)
	if len(got) != 3 {
		t.Fatalf("got %d publishes, want 3", len(got))
	}
	if got[0].GUID != first.GUID || got[1].GUID != second.GUID || got[2].GUID != third.GUID {
		t.Fatalf("publish order not chronological: %+v", got)
	}
}

func TestAcksFlattenInAppendOrder(t *testing.T) {
	b := New()
	txn := backingqueue.TxnID(2)

	b.AppendAcks(txn, []backingqueue.AckTag{{SeqID: 1}, {SeqID: 2}})
	b.AppendAcks(txn, []backingqueue.AckTag{{SeqID: 3}})

	got := b.Acks(txn)
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %d ack tags, want %d", len(got), len(want))
	}
	for i, tag := range got {
		if tag.SeqID != want[i] {
			t.Fatalf("ack[%d].SeqID = %d, want %d", i, tag.SeqID, want[i])
		}
	}
}

func TestUnknownTxnIsEmpty(t *testing.T) {
	b := New()
	unknown := backingqueue.TxnID(99)

	if got := b.Publishes(unknown); got != nil {
		t.Fatalf("Publishes(unknown) = %v, want nil", got)
	}
	if got := b.Acks(unknown); got != nil {
		t.Fatalf("Acks(unknown) = %v, want nil", got)
	}
}

func TestEraseIsIdempotent(t *testing.T) {
	b := New()
	txn := backingqueue.TxnID(3)

	b.AppendPublish(txn, backingqueue.Message{GUID: msgstore.ComputeGUID([]byte("x"))})
	b.Erase(txn)
	if got := b.Publishes(txn); got != nil {
		t.Fatalf("Publishes after Erase = %v, want nil", got)
	}

	// Erasing again, or erasing a handle never seen, must not panic.
	b.Erase(txn)
	b.Erase(backingqueue.TxnID(404))
}

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

package tieredqueue

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/foxcpp/tieredmq/internal/backingqueue"
	"github.com/foxcpp/tieredmq/internal/msgstore"
	"github.com/foxcpp/tieredmq/internal/testutils"
)

func newTestQueue(t *testing.T, segSize uint64) (*Queue, func()) {
	t.Helper()

	root, err := ioutil.TempDir("", "tieredmq-tests-queue")
	if err != nil {
		t.Fatal(err)
	}

	testLog := log.Logger{Out: log.NopOutput{}}
	if testing.Verbose() {
		testLog = testutils.Logger(t, "tieredqueue")
	}

	persistentSMS, err := msgstore.Open(filepath.Join(root, "persistent"), true, testLog)
	if err != nil {
		t.Fatal(err)
	}
	transientSMS, err := msgstore.Open(filepath.Join(root, "transient"), false, testLog)
	if err != nil {
		t.Fatal(err)
	}

	pRef, _ := NewRef()
	tRef, _ := NewRef()

	q, err := Open(Config{
		Name:          "test",
		IsDurable:     true,
		PersistentSMS: persistentSMS,
		TransientSMS:  transientSMS,
		PersistentRef: pRef,
		TransientRef:  tRef,
		PQIDir:        filepath.Join(root, "pqi"),
		PQISegSize:    segSize,
		Log:           testLog,
	})
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		persistentSMS.Close()
		transientSMS.Close()
		os.RemoveAll(root)
	}
	return q, cleanup
}

func msg(guidByte byte, persistent bool, payload string) backingqueue.Message {
	var g msgstore.GUID
	g[0] = guidByte
	return backingqueue.Message{GUID: g, Payload: []byte(payload), IsPersistent: persistent}
}

// Scenario 1: Basic FIFO.
func TestBasicFIFO(t *testing.T) {
	q, cleanup := newTestQueue(t, 16384)
	defer cleanup()

	a := msg(1, false, "a")
	b := msg(2, false, "b")
	c := msg(3, false, "c")

	for _, m := range []backingqueue.Message{a, b, c} {
		if err := q.Publish(m); err != nil {
			t.Fatal(err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}

	want := []string{"a", "b", "c"}
	for i, w := range want {
		res, ok, err := q.Fetch(false, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("fetch %d: expected a message", i)
		}
		if string(res.Message.Payload) != w {
			t.Fatalf("fetch %d: got %q, want %q", i, res.Message.Payload, w)
		}
		if res.IsDelivered {
			t.Fatalf("fetch %d: expected is_delivered=false on first delivery", i)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("len = %d, want 0 after draining", q.Len())
	}
}

// Scenario 4 (abridged): dynamic duration squeeze forces everything into
// Delta, then releasing the target drains it back out in order.
func TestDynamicDurationSqueeze(t *testing.T) {
	const segSize = 64
	q, cleanup := newTestQueue(t, segSize)
	defer cleanup()

	const n = segSize * 2
	for i := 0; i < n; i++ {
		m := msg(byte(i%256), false, fmt.Sprintf("m%d", i))
		var g msgstore.GUID
		g[0] = byte(i)
		g[1] = byte(i >> 8)
		m.GUID = g
		if err := q.Publish(m); err != nil {
			t.Fatal(err)
		}
	}

	q.SetRAMDurationTarget(0)

	st := q.Status()
	if st.Q1Len != 0 || st.Q2Len != 0 || st.Q3Len != 0 || st.Q4Len != 0 {
		t.Fatalf("expected all tiers drained into delta, got %+v", st)
	}
	if st.DeltaCount != n {
		t.Fatalf("delta count = %d, want %d", st.DeltaCount, n)
	}

	q.SetRAMDurationTarget(-1) // unset target: no paging pressure

	for i := 0; i < n; i++ {
		res, ok, err := q.Fetch(false, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("fetch %d: expected a message", i)
		}
		want := fmt.Sprintf("m%d", i)
		if string(res.Message.Payload) != want {
			t.Fatalf("fetch %d: got %q, want %q", i, res.Message.Payload, want)
		}
	}
}

// Scenario 6: requeue preserves relative order of the requeued batch ahead
// of whatever was already FIFO-next.
func TestRequeuePreservesOrder(t *testing.T) {
	q, cleanup := newTestQueue(t, 16384)
	defer cleanup()

	for i := 0; i < 5; i++ {
		m := msg(byte(i), false, fmt.Sprintf("m%d", i))
		if err := q.Publish(m); err != nil {
			t.Fatal(err)
		}
	}

	var tags []backingqueue.AckTag
	for i := 0; i < 3; i++ {
		res, ok, err := q.Fetch(true, 0)
		if err != nil || !ok {
			t.Fatalf("fetch %d: %v %v", i, ok, err)
		}
		tags = append(tags, res.AckTag)
	}

	if err := q.Requeue(tags); err != nil {
		t.Fatal(err)
	}

	want := []string{"m0", "m1", "m2", "m3", "m4"}
	for i, w := range want {
		res, ok, err := q.Fetch(false, 0)
		if err != nil || !ok {
			t.Fatalf("fetch %d: %v %v", i, ok, err)
		}
		if string(res.Message.Payload) != w {
			t.Fatalf("fetch %d: got %q, want %q", i, res.Message.Payload, w)
		}
	}
}

// Ack/Requeue on an empty tag list must be a no-op (§8).
func TestAckRequeueEmptyIsNoop(t *testing.T) {
	q, cleanup := newTestQueue(t, 16384)
	defer cleanup()

	if err := q.Ack(nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Requeue(nil); err != nil {
		t.Fatal(err)
	}
}

// Round trip: publish N, fetch-and-ack all, len returns to zero.
func TestRoundTrip(t *testing.T) {
	q, cleanup := newTestQueue(t, 16384)
	defer cleanup()

	const n = 50
	for i := 0; i < n; i++ {
		if err := q.Publish(msg(byte(i), i%2 == 0, fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < n; i++ {
		res, ok, err := q.Fetch(true, 0)
		if err != nil || !ok {
			t.Fatalf("fetch %d: %v %v", i, ok, err)
		}
		if err := q.Ack([]backingqueue.AckTag{res.AckTag}); err != nil {
			t.Fatal(err)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("len = %d, want 0", q.Len())
	}
	if q.Status().PersistentCount != 0 {
		t.Fatalf("persistent_count = %d, want 0", q.Status().PersistentCount)
	}
}

// Transactions: rollback removes eagerly-written persistent payloads and
// never makes the messages visible; commit makes them visible and acks
// run through the normal ack path.
func TestTransactionCommitAndRollback(t *testing.T) {
	q, cleanup := newTestQueue(t, 16384)
	defer cleanup()

	const txn = backingqueue.TxnID(1)
	m := msg(9, true, "txn-msg")
	if err := q.TxPublish(txn, m); err != nil {
		t.Fatal(err)
	}
	if _, err := q.TxRollback(txn); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after rollback, want 0", q.Len())
	}

	const txn2 = backingqueue.TxnID(2)
	if err := q.TxPublish(txn2, m); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	if err := q.TxCommit(txn2, func(err error) { done <- err }); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("commit callback never fired")
	}

	if q.Len() != 1 {
		t.Fatalf("len = %d after commit, want 1", q.Len())
	}
}

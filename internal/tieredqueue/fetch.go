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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foxcpp/tieredmq/internal/backingqueue"
	"github.com/foxcpp/tieredmq/internal/msgstore"
)

// corruptRecordsSkipped counts messages dropped on the §9 "treat as ACKed"
// path: a record SMS or the index expected to be present came back
// corrupt or missing on a fetch, so the entry is acked without ever being
// delivered instead of failing the whole queue.
var corruptRecordsSkipped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tieredmq",
		Subsystem: "queue",
		Name:      "corrupt_records_skipped_total",
		Help:      "Messages treated as ACKed because their stored payload could not be read back.",
	},
	[]string{"queue"},
)

func init() {
	prometheus.MustRegister(corruptRecordsSkipped)
}

// readPayload returns e's payload, reading it back from the owning store
// when it was evicted from RAM (beta/gamma entries).
func (q *Queue) readPayload(e tierEntry) ([]byte, error) {
	if e.payload != nil {
		return e.payload, nil
	}
	store := q.storeFor(e.isPersistent)
	return store.Read(e.guid, q.refFor(e.isPersistent))
}

// popNext implements the fetch path's tier selection: q4 first, then the
// q3/delta refill described in §4.3.
func (q *Queue) popNext() (tierEntry, bool, error) {
	if len(q.q4) > 0 {
		e := q.q4[0]
		q.q4 = q.q4[1:]
		return e, true, nil
	}
	return q.fetchFromQ3OrDelta()
}

func (q *Queue) fetchFromQ3OrDelta() (tierEntry, bool, error) {
	for {
		if len(q.q3) == 0 {
			if err := q.refillQ3(); err != nil {
				return tierEntry{}, false, err
			}
		}

		if len(q.q3) == 0 {
			if len(q.q1) == 0 {
				return tierEntry{}, false, nil
			}
			// §4.3: q3 and Delta are both drained with only q1 alphas left;
			// join q1 onto q4's tail (q1's elements become the last alphas)
			// and recurse to fetch from q4's front.
			q.q4 = append(q.q4, q.q1...)
			q.q1 = nil
			return q.popNext()
		}

		head := q.q3[0]
		q.q3 = q.q3[1:]

		payload, err := q.readPayload(head)
		if err != nil {
			if ackErr := q.skipCorruptEntry(head, err); ackErr != nil {
				return tierEntry{}, false, ackErr
			}
			continue
		}

		promoted := tierEntry{seqID: head.seqID, guid: head.guid, isPersistent: head.isPersistent, payload: payload, indexOnDisk: head.indexOnDisk}
		q.q4 = append(q.q4, promoted)
		q.ramMsgCount++
		if !head.indexOnDisk {
			q.ramIndexCount--
		}

		// Recurse through q4 instead of returning promoted directly, so the
		// just-promoted entry is delivered by popping q4's front exactly
		// once rather than being both returned here and left sitting in q4.
		return q.popNext()
	}
}

// refillQ3 moves q2 into q3 (or pages a delta run into betas) once q3 runs
// dry, keeping the tier well-formedness invariant intact after a normal pop
// or a skipped corrupt entry.
func (q *Queue) refillQ3() error {
	if len(q.q3) != 0 {
		return nil
	}
	if q.delta.empty() {
		q.q3 = append(q.q3, q.q2...)
		q.q2 = nil
		return nil
	}
	return q.maybeDeltasToBetas()
}

// skipCorruptEntry implements the "treat as ACKed" resolution for a message
// whose payload could not be read back: readErr is logged, a counter is
// bumped, and the entry's bookkeeping (PQI record, store refcount, tier
// counters) is unwound exactly as a successful non-ack-required Fetch would
// unwind it, without ever handing the payload to a caller.
func (q *Queue) skipCorruptEntry(e tierEntry, readErr error) error {
	q.log.Error("tieredqueue: unreadable record treated as ACKed", readErr, "queue", q.name, "seq_id", e.seqID, "guid", e.guid.String())
	corruptRecordsSkipped.WithLabelValues(q.name).Inc()

	if !e.indexOnDisk {
		q.ramIndexCount--
	}
	q.length--
	if e.isPersistent {
		q.persistentCount--
	}

	store := q.storeFor(e.isPersistent)
	store.Remove([]msgstore.GUID{e.guid})

	if e.indexOnDisk {
		if err := q.pqi.Ack([]uint64{e.seqID}); err != nil {
			return err
		}
	}
	return nil
}

// Fetch implements backingqueue.BackingQueue.
func (q *Queue) Fetch(ackRequired bool, channel backingqueue.ChannelID) (backingqueue.FetchResult, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok, err := q.popNext()
	if err != nil {
		return backingqueue.FetchResult{}, false, err
	}
	if !ok {
		return backingqueue.FetchResult{}, false, nil
	}

	isDelivered := false
	if q.isDurable {
		if err := q.pqi.Deliver(e.seqID); err != nil {
			return backingqueue.FetchResult{}, false, err
		}
		isDelivered = true
	}
	q.estimator.RecordEgress(1)

	q.length--
	if e.isPersistent {
		q.persistentCount--
	}
	q.ramMsgCount--

	msg := backingqueue.Message{GUID: e.guid, Payload: e.payload, IsPersistent: e.isPersistent}

	var tag backingqueue.AckTag
	if ackRequired {
		tag = backingqueue.AckTag{SeqID: e.seqID, Channel: channel}
		q.pending[e.seqID] = pendingAck{
			seqID:        e.seqID,
			guid:         e.guid,
			isPersistent: e.isPersistent,
			payload:      e.payload,
			indexOnDisk:  e.indexOnDisk,
		}
	} else {
		store := q.storeFor(e.isPersistent)
		store.Remove([]msgstore.GUID{e.guid})
		if e.indexOnDisk {
			if err := q.pqi.Ack([]uint64{e.seqID}); err != nil {
				return backingqueue.FetchResult{}, false, err
			}
		}
	}

	return backingqueue.FetchResult{
		Message:     msg,
		IsDelivered: isDelivered,
		AckTag:      tag,
		Remaining:   q.length,
	}, true, nil
}

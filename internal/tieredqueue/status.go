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
	"github.com/google/uuid"

	"github.com/foxcpp/tieredmq/internal/backingqueue"
	"github.com/foxcpp/tieredmq/internal/msgstore"
	"github.com/foxcpp/tieredmq/internal/pqindex"
)

// Len implements backingqueue.BackingQueue.
func (q *Queue) Len() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// IsEmpty implements backingqueue.BackingQueue.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length == 0
}

// Status implements backingqueue.BackingQueue.
func (q *Queue) Status() backingqueue.Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	target, hasTarget := q.estimator.Target()
	if !hasTarget {
		target = -1
	}

	return backingqueue.Status{
		Len:               q.length,
		PersistentCount:   q.persistentCount,
		RAMMsgCount:       q.ramMsgCount,
		RAMIndexCount:     q.ramIndexCount,
		TargetRAMMsgCount: target,
		Q1Len:             uint64(len(q.q1)),
		Q2Len:             uint64(len(q.q2)),
		DeltaCount:        q.delta.count,
		Q3Len:             uint64(len(q.q3)),
		Q4Len:             uint64(len(q.q4)),
	}
}

// NeedsSync implements backingqueue.BackingQueue: true whenever there are
// unacked persistent entries whose durability has not yet been confirmed
// via a terminate/sync cycle this run, approximated here by "any persistent
// message still in the queue" (persistent messages fetched and awaiting an
// ack are not counted).
func (q *Queue) NeedsSync() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistentCount > 0
}

// Sync implements backingqueue.BackingQueue: forces the PQI journal to disk.
// It does not flush the message stores' pending writes; those reach disk on
// the stores' own background flush.
func (q *Queue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pqi.Sync(nil)
}

// HandlePreHibernate implements backingqueue.BackingQueue: the cooperative
// yield boundary from §5 where a queue actor may flush housekeeping before
// suspending.
func (q *Queue) HandlePreHibernate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pqi.Flush(); err != nil {
		q.log.Error("tieredqueue: pre-hibernate flush", err, "queue", q.name)
	}
}

// Purge implements backingqueue.BackingQueue: acks every currently resident
// and pending message without delivering it.
func (q *Queue) Purge() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var persistentGUIDs, transientGUIDs []msgstore.GUID
	var indexedSeqIDs []uint64

	drain := func(entries []tierEntry) {
		for _, e := range entries {
			if e.isPersistent {
				persistentGUIDs = append(persistentGUIDs, e.guid)
			} else {
				transientGUIDs = append(transientGUIDs, e.guid)
			}
			if e.indexOnDisk {
				indexedSeqIDs = append(indexedSeqIDs, e.seqID)
			}
		}
	}
	drain(q.q1)
	drain(q.q2)
	drain(q.q3)
	drain(q.q4)
	for _, pa := range q.pending {
		if pa.isPersistent {
			persistentGUIDs = append(persistentGUIDs, pa.guid)
		} else {
			transientGUIDs = append(transientGUIDs, pa.guid)
		}
		if pa.indexOnDisk {
			indexedSeqIDs = append(indexedSeqIDs, pa.seqID)
		}
	}

	if q.delta.count > 0 {
		entries, _, _ := q.pqi.Read(q.delta.startSeqID, q.delta.endSeqID)
		for _, e := range entries {
			if e.Acked {
				continue
			}
			indexedSeqIDs = append(indexedSeqIDs, e.SeqID)
			if e.IsPersistent {
				persistentGUIDs = append(persistentGUIDs, e.GUID)
			}
		}
	}

	if len(persistentGUIDs) > 0 {
		q.persistentSMS.Remove(persistentGUIDs)
	}
	if len(transientGUIDs) > 0 {
		q.transientSMS.Remove(transientGUIDs)
	}
	if len(indexedSeqIDs) > 0 {
		if err := q.pqi.Ack(indexedSeqIDs); err != nil {
			return err
		}
	}

	q.q1, q.q2, q.q3, q.q4 = nil, nil, nil, nil
	q.delta = delta{}
	q.pending = make(map[uint64]pendingAck)
	q.length = 0
	q.persistentCount = 0
	q.ramMsgCount = 0
	q.ramIndexCount = 0

	return nil
}

// DeleteAndTerminate implements backingqueue.BackingQueue: destroys
// everything including pending acks, frees PQI segments and SMS refs.
func (q *Queue) DeleteAndTerminate() error {
	if err := q.Purge(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.persistentSMS != nil {
		q.persistentSMS.DeleteClient(q.persistentRef)
	}
	if q.transientSMS != nil {
		q.transientSMS.DeleteClient(q.transientRef)
	}

	return q.pqi.DeleteAndTerminate()
}

// Terminate persists clean-shutdown terms and closes the PQI handle; it is
// the counterpart to Open and is not part of backingqueue.BackingQueue
// itself since the broker layer drives shutdown through its own lifecycle
// hooks (framework/module), not through the per-queue contract.
func (q *Queue) Terminate() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pqi.Terminate(pqindex.Terms{
		PersistentRef:   q.persistentRef,
		TransientRef:    q.transientRef,
		PersistentCount: q.persistentCount,
	})
}

// NewRef generates a fresh 16-byte SMS client ref ("Ownership").
func NewRef() ([16]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return [16]byte{}, err
	}
	return [16]byte(id), nil
}

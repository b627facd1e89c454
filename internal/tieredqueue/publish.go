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
	"github.com/foxcpp/tieredmq/internal/backingqueue"
	"github.com/foxcpp/tieredmq/internal/msgstore"
)

type storageType int

const (
	storageMsg storageType = iota
	storageIndex
	storageNeither
)

// selectStorageType implements the §4.3 storage-type selector for a
// candidate seq-id s, given the current target/ram_msg_count relationship.
func (q *Queue) selectStorageType(s uint64) storageType {
	target, hasTarget := q.estimator.Target()
	r := int64(q.ramMsgCount)

	if !hasTarget || target > r {
		return storageMsg
	}

	if target == 0 {
		if len(q.q3) == 0 {
			return storageIndex
		}
		s0 := q.q3[0].seqID
		if s >= q.pqi.NextSegmentBoundary(s0) {
			return storageNeither
		}
		return storageIndex
	}

	if len(q.q1) == 0 {
		return storageIndex
	}
	return storageMsg
}

func (q *Queue) storeFor(isPersistent bool) *msgstore.Store {
	if isPersistent {
		return q.persistentSMS
	}
	return q.transientSMS
}

func (q *Queue) refFor(isPersistent bool) [16]byte {
	if isPersistent {
		return q.persistentRef
	}
	return q.transientRef
}

// ramIndexExceeded reports whether the permitted RAM-index budget (§4.3) is
// currently exceeded, i.e. a newly inserted beta entry must be written
// straight through to PQI as a gamma instead.
func (q *Queue) ramIndexExceeded() bool {
	permitted, ok := q.permittedRAMIndexCount()
	if !ok {
		return false
	}
	return q.ramIndexCount >= permitted
}

// permittedRAMIndexCount derives the controller's permitted RAM-index
// count from §4.3: AB = len - delta.count, B = |q2|+|q3|, betaFrac = B/AB,
// permitted = floor(B - betaFrac*B). Undefined (ok=false) when AB is zero.
func (q *Queue) permittedRAMIndexCount() (permitted uint64, ok bool) {
	ab := q.length - q.delta.count
	if ab == 0 {
		return 0, false
	}
	b := uint64(len(q.q2) + len(q.q3))
	betaFrac := float64(b) / float64(ab)
	p := float64(b) - betaFrac*float64(b)
	if p < 0 {
		p = 0
	}
	return uint64(p), true
}

// publishLocked inserts msg under a freshly minted seq-id and returns it.
// Caller must hold q.mu.
func (q *Queue) publishLocked(msg backingqueue.Message) (uint64, error) {
	s := q.nextSeqID
	q.nextSeqID++

	switch q.selectStorageType(s) {
	case storageMsg:
		indexOnDisk := false
		if msg.IsPersistent {
			if err := q.persistentSMS.Write(msg.GUID, msg.Payload, q.persistentRef); err != nil {
				return s, err
			}
			if err := q.pqi.Publish(msg.GUID, s, true); err != nil {
				return s, err
			}
			indexOnDisk = true
		}
		e := tierEntry{seqID: s, guid: msg.GUID, isPersistent: msg.IsPersistent, payload: msg.Payload, indexOnDisk: indexOnDisk}
		if len(q.q1) == 0 && len(q.q2) == 0 && q.delta.empty() && len(q.q3) == 0 {
			q.q4 = append(q.q4, e)
		} else {
			q.q1 = append(q.q1, e)
		}
		q.ramMsgCount++

	case storageIndex:
		store := q.storeFor(msg.IsPersistent)
		if err := store.Write(msg.GUID, msg.Payload, q.refFor(msg.IsPersistent)); err != nil {
			return s, err
		}
		// Persistent entries always get a PQI record immediately: it is
		// the only durable record of their existence, so the RAM-index
		// budget (a performance trade-off) cannot be allowed to skip it.
		// Transient entries follow the budget, since losing an un-indexed
		// transient entry on crash is acceptable.
		indexOnDisk := false
		if msg.IsPersistent || q.ramIndexExceeded() {
			if err := q.pqi.Publish(msg.GUID, s, msg.IsPersistent); err != nil {
				return s, err
			}
			indexOnDisk = true
		} else {
			q.ramIndexCount++
		}
		e := tierEntry{seqID: s, guid: msg.GUID, isPersistent: msg.IsPersistent, indexOnDisk: indexOnDisk}
		if q.delta.empty() {
			q.q3 = append(q.q3, e)
		} else {
			q.q2 = append(q.q2, e)
		}

	case storageNeither:
		store := q.storeFor(msg.IsPersistent)
		if err := store.Write(msg.GUID, msg.Payload, q.refFor(msg.IsPersistent)); err != nil {
			return s, err
		}
		if err := q.pqi.Publish(msg.GUID, s, msg.IsPersistent); err != nil {
			return s, err
		}
		q.mergeIntoDelta(s)
	}

	q.length++
	if msg.IsPersistent {
		q.persistentCount++
	}
	q.estimator.RecordIngress(1)

	if err := q.maybePushQ1ToBetas(); err != nil {
		return s, err
	}
	if err := q.limitRAMIndex(); err != nil {
		return s, err
	}

	return s, nil
}

func (q *Queue) mergeIntoDelta(seqID uint64) {
	if q.delta.empty() {
		q.delta = delta{startSeqID: seqID, count: 1, endSeqID: seqID + 1}
		return
	}
	q.delta.count++
	if seqID+1 > q.delta.endSeqID {
		q.delta.endSeqID = seqID + 1
	}
}

// Publish implements backingqueue.BackingQueue.
func (q *Queue) Publish(msg backingqueue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.publishLocked(msg)
	return err
}

// PublishDelivered implements backingqueue.BackingQueue: a message that is
// handed straight to a consumer without ever resting in the queue. When
// ackRequired is false nothing is stored at all beyond the durability the
// caller already established; when true a pending-ack entry is recorded so
// a later Ack/Requeue can find it.
func (q *Queue) PublishDelivered(ackRequired bool, msg backingqueue.Message, channel backingqueue.ChannelID) (backingqueue.AckTag, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.nextSeqID
	q.nextSeqID++

	if msg.IsPersistent {
		if err := q.persistentSMS.Write(msg.GUID, msg.Payload, q.persistentRef); err != nil {
			return backingqueue.AckTag{}, false, err
		}
		if err := q.pqi.Publish(msg.GUID, s, true); err != nil {
			return backingqueue.AckTag{}, false, err
		}
		if err := q.pqi.Deliver(s); err != nil {
			return backingqueue.AckTag{}, false, err
		}
	}
	q.estimator.RecordIngress(1)
	q.estimator.RecordEgress(1)

	if !ackRequired {
		if msg.IsPersistent {
			q.persistentSMS.Remove([]msgstore.GUID{msg.GUID})
			if err := q.pqi.Ack([]uint64{s}); err != nil {
				return backingqueue.AckTag{}, false, err
			}
		}
		return backingqueue.AckTag{}, false, nil
	}

	q.pending[s] = pendingAck{seqID: s, guid: msg.GUID, isPersistent: msg.IsPersistent, payload: msg.Payload}
	return backingqueue.AckTag{SeqID: s, Channel: channel}, true, nil
}

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

// TxPublish implements backingqueue.BackingQueue: stages msg under txn.
// When the queue is durable and msg is persistent, the payload is written
// to the persistent store eagerly so commit only needs an fsync, not a
// write.
func (q *Queue) TxPublish(txn backingqueue.TxnID, msg backingqueue.Message) error {
	q.mu.Lock()
	if q.isDurable && msg.IsPersistent {
		if err := q.persistentSMS.Write(msg.GUID, msg.Payload, q.persistentRef); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	q.mu.Unlock()

	q.txns.AppendPublish(txn, msg)
	return nil
}

// TxAck implements backingqueue.BackingQueue: stages tags under txn.
func (q *Queue) TxAck(txn backingqueue.TxnID, tags []backingqueue.AckTag) error {
	q.txns.AppendAcks(txn, tags)
	return nil
}

// TxRollback implements backingqueue.BackingQueue: undoes the eager writes
// TxPublish made for persistent messages and hands back the pending acks
// so the caller can restore them on its channel. Idempotent: rolling back
// an unknown or already-rolled-back handle is a no-op.
func (q *Queue) TxRollback(txn backingqueue.TxnID) ([]backingqueue.AckTag, error) {
	publishes := q.txns.Publishes(txn)
	acks := q.txns.Acks(txn)
	q.txns.Erase(txn)

	q.mu.Lock()
	for _, m := range publishes {
		if q.isDurable && m.IsPersistent {
			q.persistentSMS.Remove([]msgstore.GUID{m.GUID})
		}
	}
	q.mu.Unlock()

	return acks, nil
}

// TxCommit implements backingqueue.BackingQueue. Non-durable queues (or
// transactions with no persistent publishes) run the post-commit work
// immediately; otherwise it is deferred until every persistent guid in the
// transaction is fsynced.
func (q *Queue) TxCommit(txn backingqueue.TxnID, onPersisted func(error)) error {
	publishes := q.txns.Publishes(txn)
	acks := q.txns.Acks(txn)
	q.txns.Erase(txn)

	postCommit := func(syncErr error) {
		q.mu.Lock()
		seqIDs := make([]uint64, 0, len(publishes))
		var firstErr error
		for _, m := range publishes {
			s, err := q.publishLocked(m)
			if err != nil && firstErr == nil {
				firstErr = err
				continue
			}
			seqIDs = append(seqIDs, s)
		}
		q.mu.Unlock()

		if firstErr == nil {
			firstErr = q.Ack(acks)
		}

		if firstErr == nil && len(seqIDs) > 0 {
			firstErr = q.pqi.Sync(seqIDs)
		}

		if syncErr != nil && firstErr == nil {
			firstErr = syncErr
		}
		if onPersisted != nil {
			onPersisted(firstErr)
		}
	}

	hasPersistentPub := false
	var persistentGUIDs []msgstore.GUID
	for _, m := range publishes {
		if m.IsPersistent {
			hasPersistentPub = true
			persistentGUIDs = append(persistentGUIDs, m.GUID)
		}
	}

	if !q.isDurable || !hasPersistentPub {
		postCommit(nil)
		return nil
	}

	q.persistentSMS.Sync(persistentGUIDs, postCommit)
	return nil
}

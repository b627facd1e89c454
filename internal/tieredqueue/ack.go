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

// Ack implements backingqueue.BackingQueue. Idempotent on an empty tag
// list. Batches into one PQI.Ack call for every seq-id that actually holds
// a PQI publish record (persistent entries always do; transient ones only
// when they were written out under the RAM-index budget) and one
// SMS.Remove per store for the collected guids.
func (q *Queue) Ack(tags []backingqueue.AckTag) error {
	if len(tags) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var indexedSeqIDs []uint64
	var persistentGUIDs, transientGUIDs []msgstore.GUID

	for _, tag := range tags {
		pa, ok := q.pending[tag.SeqID]
		if !ok {
			continue
		}
		delete(q.pending, tag.SeqID)

		if pa.isPersistent {
			persistentGUIDs = append(persistentGUIDs, pa.guid)
		} else {
			transientGUIDs = append(transientGUIDs, pa.guid)
		}
		if pa.indexOnDisk {
			indexedSeqIDs = append(indexedSeqIDs, pa.seqID)
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

	return nil
}

// Requeue implements backingqueue.BackingQueue: puts each tagged message
// back at the very front of the queue, ahead of everything not yet
// delivered, preserving the relative order the tags were given in (§8's
// round-trip/requeue-ordering property). Each message keeps its original
// seq-id and PQI publish record (never acked, just re-delivered), so this
// never mints a fresh seq-id the way a first-time Publish does.
func (q *Queue) Requeue(tags []backingqueue.AckTag) error {
	if len(tags) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var restored []tierEntry

	for _, tag := range tags {
		pa, ok := q.pending[tag.SeqID]
		if !ok {
			continue
		}
		delete(q.pending, tag.SeqID)

		payload := pa.payload
		if payload == nil {
			store := q.storeFor(pa.isPersistent)
			p, err := store.Read(pa.guid, q.refFor(pa.isPersistent))
			if err != nil {
				return err
			}
			payload = p
		}

		restored = append(restored, tierEntry{
			seqID:        pa.seqID,
			guid:         pa.guid,
			isPersistent: pa.isPersistent,
			payload:      payload,
			indexOnDisk:  pa.indexOnDisk,
		})

		q.length++
		if pa.isPersistent {
			q.persistentCount++
		}
		q.ramMsgCount++
	}

	q.q4 = append(restored, q.q4...)

	return nil
}

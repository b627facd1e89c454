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

// maybeDeltasToBetas implements the delta -> beta promotion: reads one PQI
// segment starting at delta.startSeqID, drops transient stragglers below
// tau (ACKing them immediately), and appends the survivors to q3 as
// gamma entries (their publish record is already in PQI, since they came
// from Delta).
func (q *Queue) maybeDeltasToBetas() error {
	if q.delta.empty() {
		return nil
	}

	boundary := q.pqi.NextSegmentBoundary(q.delta.startSeqID)
	if boundary > q.delta.endSeqID {
		boundary = q.delta.endSeqID
	}

	entries, _, _ := q.pqi.Read(q.delta.startSeqID, boundary)

	var stale []uint64
	loaded := uint64(0)
	for _, e := range entries {
		if e.Acked {
			continue
		}
		loaded++
		if !e.IsPersistent && e.SeqID < q.transientThreshold {
			stale = append(stale, e.SeqID)
			continue
		}
		q.q3 = append(q.q3, tierEntry{
			seqID:        e.SeqID,
			guid:         e.GUID,
			isPersistent: e.IsPersistent,
			indexOnDisk:  true,
		})
	}

	if len(stale) > 0 {
		if err := q.pqi.Ack(stale); err != nil {
			return err
		}
		q.length -= uint64(len(stale))
	}

	q.delta.startSeqID = boundary
	if loaded > q.delta.count {
		loaded = q.delta.count
	}
	q.delta.count -= loaded

	if q.delta.empty() {
		q.q3 = append(q.q3, q.q2...)
		q.q2 = nil
	}

	return nil
}

// pushBetasToDeltas implements the beta -> delta demotion driven by
// reduce_memory_use's target-zero squeeze: every beta/gamma entry in q3
// and q2 moves to Delta in full, q3 (the older half) first so Delta's
// start stays pinned to the true low seq-id. Any entry still beta (index
// only in RAM) gets its PQI publish record written first, becoming gamma
// on the way down.
func (q *Queue) pushBetasToDeltas() error {
	for _, e := range q.q3 {
		if err := q.writePQIPublishIfNeeded(&e); err != nil {
			return err
		}
		q.mergeIntoDelta(e.seqID)
	}
	q.q3 = nil

	for _, e := range q.q2 {
		if err := q.writePQIPublishIfNeeded(&e); err != nil {
			return err
		}
		q.mergeIntoDelta(e.seqID)
	}
	q.q2 = nil

	return nil
}

func (q *Queue) writePQIPublishIfNeeded(e *tierEntry) error {
	if e.indexOnDisk {
		return nil
	}
	if err := q.pqi.Publish(e.guid, e.seqID, e.isPersistent); err != nil {
		return err
	}
	e.indexOnDisk = true
	q.ramIndexCount--
	return nil
}

// demoteAlphaToBeta writes an alpha entry's payload (if not already durable)
// and its PQI record if the RAM-index budget demands it, then reinserts it
// as a beta. fromQ1 controls where: entries demoted from q1 are younger than
// everything in q2, Delta and q3, so they join q2's tail when Delta is
// non-empty and q3's tail otherwise; entries demoted from q4 are older than
// q3's current content (they were promoted from q3 earlier), so they always
// join q3's head.
func (q *Queue) demoteAlphaToBeta(e tierEntry, fromQ1 bool) error {
	if !e.isPersistent {
		store := q.storeFor(false)
		if err := store.Write(e.guid, e.payload, q.refFor(false)); err != nil {
			return err
		}
	}

	be := tierEntry{seqID: e.seqID, guid: e.guid, isPersistent: e.isPersistent, indexOnDisk: e.indexOnDisk}
	if !be.indexOnDisk {
		if e.isPersistent || q.ramIndexExceeded() {
			if err := q.pqi.Publish(e.guid, e.seqID, e.isPersistent); err != nil {
				return err
			}
			be.indexOnDisk = true
		} else {
			q.ramIndexCount++
		}
	}

	if !fromQ1 {
		q.q3 = append([]tierEntry{be}, q.q3...)
		return nil
	}
	if !q.delta.empty() {
		q.q2 = append(q.q2, be)
		return nil
	}
	q.q3 = append(q.q3, be)
	return nil
}

// maybePushQ1ToBetas pops elders from q1's front (the oldest of q1's own
// contents, adjacent to q2/Delta) while ram_msg_count exceeds the target.
func (q *Queue) maybePushQ1ToBetas() error {
	target, hasTarget := q.estimator.Target()
	for hasTarget && int64(q.ramMsgCount) > target && len(q.q1) > 0 {
		e := q.q1[0]
		q.q1 = q.q1[1:]
		if err := q.demoteAlphaToBeta(e, true); err != nil {
			return err
		}
		q.ramMsgCount--
	}
	return nil
}

// maybePushQ4ToBetas pops from q4's back (furthest from the delivery head,
// i.e. the youngest members of q4) while ram_msg_count exceeds the target.
func (q *Queue) maybePushQ4ToBetas() error {
	target, hasTarget := q.estimator.Target()
	for hasTarget && int64(q.ramMsgCount) > target && len(q.q4) > 0 {
		e := q.q4[len(q.q4)-1]
		q.q4 = q.q4[:len(q.q4)-1]
		if err := q.demoteAlphaToBeta(e, false); err != nil {
			return err
		}
		q.ramMsgCount--
	}
	return nil
}

// reduceMemoryUse implements §4.4's reduce_memory_use: push q1 and q4
// alphas to betas until ram_msg_count <= target, and when the target is
// exactly zero additionally push betas down to deltas.
func (q *Queue) reduceMemoryUse() error {
	if err := q.maybePushQ1ToBetas(); err != nil {
		return err
	}
	if err := q.maybePushQ4ToBetas(); err != nil {
		return err
	}
	target, hasTarget := q.estimator.Target()
	if hasTarget && target == 0 {
		return q.pushBetasToDeltas()
	}
	return nil
}

// limitRAMIndex batch-writes PQI publish records (beta -> gamma) starting
// from the tail of q3 then q2, up to ramIndexBatchSize per call, until
// ram_index_count is back within the permitted budget (§4.3).
func (q *Queue) limitRAMIndex() error {
	permitted, ok := q.permittedRAMIndexCount()
	if !ok {
		return nil
	}

	written := 0
	for i := len(q.q3) - 1; i >= 0 && written < q.ramIndexBatchSize && q.ramIndexCount > permitted; i-- {
		if q.q3[i].indexOnDisk {
			continue
		}
		if err := q.writePQIPublishIfNeeded(&q.q3[i]); err != nil {
			return err
		}
		written++
	}
	for i := len(q.q2) - 1; i >= 0 && written < q.ramIndexBatchSize && q.ramIndexCount > permitted; i-- {
		if q.q2[i].indexOnDisk {
			continue
		}
		if err := q.writePQIPublishIfNeeded(&q.q2[i]); err != nil {
			return err
		}
		written++
	}
	return nil
}

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
	"os"
	"sort"

	"github.com/foxcpp/tieredmq/internal/msgstore"
)

// RecoverResult is returned by RecoveryWalk.
type RecoverResult struct {
	RecoveredCount int
	DurableGUIDs   []msgstore.GUID
}

// RecoveryWalk implements init's "recovery walk": for each PUBLISH seq-id
// without a matching ACK, contains_fn(guid) is called against the
// persistent store; guids it doesn't have are treated as ACKed so the
// queue never attempts to read a payload that isn't there. Must be called
// once, right after Open, only when msgStoreRecovered is false (i.e. the
// store itself did a scan and can't be trusted to already reflect which
// PQI publishes are real).
func (idx *Index) RecoveryWalk(contains func(msgstore.GUID) bool) RecoverResult {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var res RecoverResult
	var toAck []uint64

	for seq, e := range idx.entries {
		if e.Acked {
			continue
		}
		if contains(e.GUID) {
			res.RecoveredCount++
			res.DurableGUIDs = append(res.DurableGUIDs, e.GUID)
			continue
		}
		toAck = append(toAck, seq)
	}

	for _, seq := range toAck {
		idx.entries[seq].Acked = true
	}

	return res
}

// Publish records a PUBLISH entry for seqID in the journal.
func (idx *Index) Publish(guid msgstore.GUID, seqID uint64, isPersistent bool) error {
	idx.mu.Lock()
	e := &Entry{SeqID: seqID, Kind: KindPublish, GUID: guid, IsPersistent: isPersistent}
	idx.entries[seqID] = e
	if seqID >= idx.nextSeq {
		idx.nextSeq = seqID + 1
	}
	idx.mu.Unlock()

	return idx.appendJournal(seqID, KindPublish, e)
}

// Deliver marks seqID delivered (used only for durable queues, to skip
// redelivery-as-new after a restart).
func (idx *Index) Deliver(seqID uint64) error {
	idx.mu.Lock()
	e, ok := idx.entries[seqID]
	if !ok {
		idx.mu.Unlock()
		return nil
	}
	e.Delivered = true
	idx.mu.Unlock()

	return idx.appendJournal(seqID, KindDeliver, e)
}

// Ack marks every seq-id in seqIDs as removed from the queue.
func (idx *Index) Ack(seqIDs []uint64) error {
	idx.mu.Lock()
	var newLow uint64
	lowChanged := false
	for _, seq := range seqIDs {
		e, ok := idx.entries[seq]
		if !ok {
			e = &Entry{SeqID: seq}
			idx.entries[seq] = e
		}
		e.Acked = true
		if seq == idx.lowSeq {
			lowChanged = true
		}
	}
	if lowChanged {
		newLow = idx.nextSeq
		for seq, e := range idx.entries {
			if e.Acked {
				continue
			}
			if seq < newLow {
				newLow = seq
			}
		}
		idx.lowSeq = newLow
	}
	idx.mu.Unlock()

	var firstErr error
	for _, seq := range seqIDs {
		idx.mu.Lock()
		e := idx.entries[seq]
		idx.mu.Unlock()
		if err := idx.appendJournal(seq, KindAck, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Read returns entries for seq-ids in [start, end) in seq-id order,
// returning at most one segment's worth at a time; nextStart is 0 (with ok
// false) once end has been reached.
func (idx *Index) Read(start, end uint64) (entries []Entry, nextStart uint64, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	segEnd := idx.NextSegmentBoundary(start)
	if segEnd > end {
		segEnd = end
	}

	var seqs []uint64
	for seq := range idx.entries {
		if seq >= start && seq < segEnd {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		entries = append(entries, *idx.entries[seq])
	}

	if segEnd >= end {
		return entries, 0, false
	}
	return entries, segEnd, true
}

// Terminate persists terms (the clean-shutdown keys) and closes the index.
func (idx *Index) Terminate(terms Terms) error {
	if err := idx.Flush(); err != nil {
		return err
	}
	if err := idx.Sync(nil); err != nil {
		return err
	}
	if err := idx.SaveTerms(terms); err != nil {
		return err
	}
	return idx.Close()
}

// DeleteAndTerminate destroys every segment and the journal, then closes
// the index. Used for queue deletion.
func (idx *Index) DeleteAndTerminate() error {
	idx.mu.Lock()
	segs := make(map[uint64]struct{})
	for seq := range idx.entries {
		segs[idx.segmentOf(seq)] = struct{}{}
	}
	idx.mu.Unlock()

	for seg := range segs {
		_ = os.Remove(idx.segmentPath(seg))
	}
	_ = idx.journal.Close()
	_ = os.Remove(idx.journalPath())
	return nil
}

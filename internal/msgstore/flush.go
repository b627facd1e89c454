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

package msgstore

import (
	"io/ioutil"
	"sync/atomic"

	"github.com/foxcpp/tieredmq/framework/buffer"
	"github.com/foxcpp/tieredmq/framework/future"
	"github.com/foxcpp/tieredmq/internal/diskfmt"
)

// syncWaiter tracks one Sync() call's outstanding guid count; it fires fut
// once every guid it cares about has been flushed to a segment.
type syncWaiter struct {
	remaining int32
	fut       *future.Future
}

func (s *Store) flushLoop() {
	ticks := 0
	for {
		select {
		case <-s.flushTick.C:
			s.flushAll()
			ticks++
			if ticks%100 == 0 {
				s.sweepIdleHandles()
			}
		case <-s.closeCh:
			return
		}
	}
}

// sweepIdleHandles drives the Tracker's mark/sweep cycle so segment handles
// that have not served a read since the last sweep are closed, bounding how
// many file descriptors a store with many cold segments holds open.
func (s *Store) sweepIdleHandles() {
	// A key only survives when the Tracker itself recorded a GetOpen for it
	// since the last MarkAllUnused; this outer predicate keeps everything
	// the Tracker still considers reachable.
	s.handles.CloseUnused(func(string) bool { return true })
	s.handles.MarkAllUnused()
}

// flushAll moves every currently-pending write into its segment file with a
// single trailing fsync, then wakes any Sync waiters for the guids that
// just became durable. This is the concrete "coalesces into a write-behind
// buffer flushed in background" and "a later sync overlapping in time with
// an earlier one may share its fsync" behavior from the contract.
func (s *Store) flushAll() {
	s.pendingMu.Lock()
	if len(s.pendingBuf) == 0 {
		s.pendingMu.Unlock()
		return
	}
	batch := s.pendingBuf
	s.pendingBuf = make(map[GUID]buffer.Buffer)
	s.pendingMu.Unlock()

	touchedSegs := make(map[int]struct{})
	flushed := make([]GUID, 0, len(batch))

	for guid, buf := range batch {
		r, err := buf.Open()
		if err != nil {
			s.log.Error("msgstore: flush: reopen staged buffer", err, "guid", guid.String())
			continue
		}
		data, err := ioutil.ReadAll(r)
		r.Close()
		if err != nil {
			s.log.Error("msgstore: flush: read staged buffer", err, "guid", guid.String())
			continue
		}

		rec := diskfmt.Record{Key: guid, Body: data}
		encoded := diskfmt.Encode(nil, rec)

		segNum, offset, err := s.appendToActiveSegment(encoded, false)
		if err != nil {
			s.log.Error("msgstore: flush: append segment", err, "guid", guid.String())
			continue
		}

		s.mu.Lock()
		if loc, ok := s.index[guid]; ok {
			loc.segment = segNum
			loc.offset = offset
		}
		s.mu.Unlock()

		touchedSegs[segNum] = struct{}{}
		flushed = append(flushed, guid)

		if err := buf.Remove(); err != nil {
			s.log.Error("msgstore: flush: remove staged buffer", err, "guid", guid.String())
		}
	}

	for seg := range touchedSegs {
		if err := s.fsyncSegment(seg); err != nil {
			s.log.Error("msgstore: flush: fsync", err, "segment", seg)
		}
	}

	s.wakeSyncWaiters(flushed)
}

// Sync registers callback to fire once every guid in guids is durable
// (already flushed, or flushed by a future tick). Guids already durable
// fire callback immediately from the calling goroutine.
func (s *Store) Sync(guids []GUID, callback func(error)) {
	// pendingMu is held from the index scan through waiter registration, so
	// a flush cannot finish in between and leave the waiter unwoken.
	s.pendingMu.Lock()
	s.mu.RLock()
	pending := make([]GUID, 0, len(guids))
	for _, g := range guids {
		loc, ok := s.index[g]
		if ok && loc.segment == -1 {
			pending = append(pending, g)
		}
	}
	s.mu.RUnlock()

	if len(pending) == 0 {
		s.pendingMu.Unlock()
		callback(nil)
		return
	}

	w := &syncWaiter{remaining: int32(len(pending)), fut: future.New()}
	go func() {
		_, _ = w.fut.Get()
		callback(nil)
	}()

	for _, g := range pending {
		s.syncWait[g] = append(s.syncWait[g], w)
	}
	s.pendingMu.Unlock()
}

func (s *Store) wakeSyncWaiters(guids []GUID) {
	s.pendingMu.Lock()
	counts := make(map[*syncWaiter]int)
	for _, g := range guids {
		for _, w := range s.syncWait[g] {
			counts[w]++
		}
		delete(s.syncWait, g)
	}
	s.pendingMu.Unlock()

	for w, n := range counts {
		if atomic.AddInt32(&w.remaining, int32(-n)) == 0 {
			w.fut.Set(nil, nil)
		}
	}
}

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
	"os"

	"github.com/foxcpp/tieredmq/internal/diskfmt"
)

// maybeStartGC looks for a segment whose live-data ratio has fallen below
// gcLiveRatioThreshold and, if no compaction is already in flight,
// rewrites it without the dead records. Only one compaction runs per
// instance at a time (§4.1 GC discipline).
func (s *Store) maybeStartGC() {
	s.gcRunningM.Lock()
	if s.gcRunning {
		s.gcRunningM.Unlock()
		return
	}
	s.gcRunningM.Unlock()

	s.segMu.Lock()
	var target int = -1
	for seg, total := range s.segSize {
		if seg == s.activeSeg || total == 0 {
			continue
		}
		live := s.segLiveSize[seg]
		if float64(live)/float64(total) < gcLiveRatioThreshold {
			target = seg
			break
		}
	}
	s.segMu.Unlock()

	if target == -1 {
		return
	}

	if !s.gcLimiter.Take() {
		return
	}

	s.gcRunningM.Lock()
	s.gcRunning = true
	s.gcRunningM.Unlock()
	defer func() {
		s.gcRunningM.Lock()
		s.gcRunning = false
		s.gcRunningM.Unlock()
	}()

	if err := s.compactSegment(target); err != nil {
		s.log.Error("msgstore: compaction failed", err, "segment", target)
	}
}

// compactSegment rewrites segment n keeping only records whose guid is
// still live in the index, then atomically replaces the old file. Readers
// always resolve through the index, so once the index is repointed they
// transparently follow the new file; writes against n are never issued
// once it is no longer the active segment, so no pause is needed here
// beyond the index swap itself.
func (s *Store) compactSegment(n int) error {
	old, err := os.Open(s.segmentPath(n))
	if err != nil {
		return err
	}
	defer old.Close()

	newPath := s.segmentPath(n) + ".compact"
	newF, err := os.Create(newPath)
	if err != nil {
		return err
	}

	type move struct {
		guid   GUID
		offset int64
		size   int64
	}
	var moves []move
	var liveBytes int64

	var offset int64
	for {
		rec, derr := diskfmt.Decode(old)
		if derr != nil {
			break
		}
		recLen := int64(diskfmt.Size(len(rec.Body)))

		s.mu.RLock()
		loc, live := s.index[GUID(rec.Key)]
		s.mu.RUnlock()

		if live && loc.segment == n && loc.offset == offset {
			encoded := diskfmt.Encode(nil, rec)
			newOffset := liveBytes
			if _, err := newF.Write(encoded); err != nil {
				newF.Close()
				os.Remove(newPath)
				return err
			}
			moves = append(moves, move{guid: GUID(rec.Key), offset: newOffset, size: int64(len(rec.Body))})
			liveBytes += recLen
		}

		offset += recLen
	}

	if err := newF.Sync(); err != nil {
		newF.Close()
		os.Remove(newPath)
		return err
	}
	if err := newF.Close(); err != nil {
		os.Remove(newPath)
		return err
	}

	// Evict the cached handle for n specifically (not a MarkAllUnused sweep)
	// so the rename below isn't racing a reader using the stale fd.
	s.single.CloseUnused(func(key string) bool { return key != s.segmentKey(n) })

	if err := os.Rename(newPath, s.segmentPath(n)); err != nil {
		return err
	}

	s.mu.Lock()
	for _, m := range moves {
		if loc, ok := s.index[m.guid]; ok {
			loc.offset = m.offset
		}
	}
	s.mu.Unlock()

	s.segMu.Lock()
	s.segSize[n] = liveBytes
	s.segLiveSize[n] = liveBytes
	s.segMu.Unlock()

	return nil
}

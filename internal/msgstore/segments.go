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
	"fmt"
	"os"
	"path/filepath"
)

func (s *Store) segmentPath(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.rdq", n))
}

func (s *Store) segmentKey(n int) string {
	return fmt.Sprintf("%d", n)
}

// openSegmentRead returns a cached, read-only handle for segment n.
func (s *Store) openSegmentRead(n int) (*os.File, error) {
	return s.handles.GetOpen(s.segmentKey(n), func() (*os.File, error) {
		return os.Open(s.segmentPath(n))
	})
}

// appendToActiveSegment appends buf to the active segment file, fsyncing
// when fsync is true, and returns the offset the record was written at plus
// the segment number it landed in. Segments roll once they exceed
// segmentTargetSize so no single file grows unbounded.
func (s *Store) appendToActiveSegment(buf []byte, fsync bool) (segNum int, offset int64, err error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()

	if s.segSize[s.activeSeg] >= segmentTargetSize {
		s.activeSeg++
	}
	segNum = s.activeSeg

	f, err := os.OpenFile(s.segmentPath(segNum), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, 0, ioFailure("msgstore: open segment %d for append: %w", segNum, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, ioFailure("msgstore: stat segment %d: %w", segNum, err)
	}
	offset = info.Size()

	if _, err := f.Write(buf); err != nil {
		return 0, 0, ioFailure("msgstore: write segment %d: %w", segNum, err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			return 0, 0, ioFailure("msgstore: fsync segment %d: %w", segNum, err)
		}
	}

	s.segSize[segNum] += int64(len(buf))
	s.segLiveSize[segNum] += int64(len(buf))

	return segNum, offset, nil
}

func (s *Store) fsyncSegment(n int) error {
	f, err := os.OpenFile(s.segmentPath(n), os.O_WRONLY, 0o600)
	if err != nil {
		return ioFailure("msgstore: reopen segment %d for fsync: %w", n, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return ioFailure("msgstore: fsync segment %d: %w", n, err)
	}
	return nil
}

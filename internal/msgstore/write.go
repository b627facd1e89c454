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
	"bytes"
	"io"
	"io/ioutil"

	"github.com/foxcpp/tieredmq/framework/buffer"
	"github.com/foxcpp/tieredmq/internal/diskfmt"
)

// Write stores payload under guid. Idempotent: a second write for a guid
// already known to this store only bumps the refcount, the payload is
// never written twice. client is currently unused by the accounting here
// (per-client read caches are not implemented, see DESIGN.md) but is kept
// in the signature to match the contract.
func (s *Store) Write(guid GUID, payload []byte, client [16]byte) error {
	s.mu.Lock()
	if loc, ok := s.index[guid]; ok {
		loc.refcount++
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot before unlocking so concurrent writers of the same
	// guid see it and only bump the refcount instead of double-staging.
	s.index[guid] = &locator{segment: -1, size: int64(len(payload)), refcount: 1}
	s.mu.Unlock()

	buf, err := buffer.BufferInFile(bytes.NewReader(payload), s.tmpDir())
	if err != nil {
		s.mu.Lock()
		delete(s.index, guid)
		s.mu.Unlock()
		return ioFailure("msgstore: stage write: %w", err)
	}

	s.pendingMu.Lock()
	s.pendingBuf[guid] = buf
	s.pendingMu.Unlock()

	return nil
}

func (s *Store) tmpDir() string {
	return s.dir + "/tmp"
}

// Contains reports whether guid is currently known to the store (pending
// flush or already on disk).
func (s *Store) Contains(guid GUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[guid]
	return ok
}

// Read returns the payload for guid. Callers are expected to have already
// established via Contains that the guid exists; a failed read of a guid
// Contains reported present is never fatal to the store itself. The fetch
// path treats the returned error as a corrupt/missing record: the message
// is skipped and counted rather than failing the whole queue (see
// tieredqueue.Queue.skipCorruptEntry).
func (s *Store) Read(guid GUID, client [16]byte) ([]byte, error) {
	s.mu.RLock()
	loc, ok := s.index[guid]
	s.mu.RUnlock()
	if !ok {
		return nil, fatal("msgstore: read of unknown guid %s", guid)
	}

	if loc.segment == -1 {
		s.pendingMu.Lock()
		buf := s.pendingBuf[guid]
		s.pendingMu.Unlock()
		if buf == nil {
			// Flushed between the RLock above and here; re-resolve.
			return s.Read(guid, client)
		}
		r, err := buf.Open()
		if err != nil {
			return nil, fatal("msgstore: reopen pending buffer for %s: %w", guid, err)
		}
		defer r.Close()
		data, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, fatal("msgstore: read pending buffer for %s: %w", guid, err)
		}
		return data, nil
	}

	f, err := s.openSegmentRead(loc.segment)
	if err != nil {
		return nil, fatal("msgstore: open segment %d for %s: %w", loc.segment, guid, err)
	}

	buf := make([]byte, diskfmt.Size(int(loc.size)))
	if _, err := f.ReadAt(buf, loc.offset); err != nil && err != io.EOF {
		return nil, fatal("msgstore: read segment %d at %d: %w", loc.segment, loc.offset, err)
	}

	rec, err := diskfmt.Decode(bytes.NewReader(buf))
	if err != nil {
		s.log.Error("msgstore: corrupt record", err, "guid", guid.String(), "segment", loc.segment)
		return nil, fatal("msgstore: corrupt record for %s: %w", guid, err)
	}
	if GUID(rec.Key) != guid {
		return nil, fatal("msgstore: guid mismatch at segment %d offset %d", loc.segment, loc.offset)
	}

	return rec.Body, nil
}

// Remove decrements the refcount for each guid; entries reaching zero
// become collectible by the background GC, not deleted synchronously.
func (s *Store) Remove(guids []GUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range guids {
		loc, ok := s.index[g]
		if !ok {
			continue
		}
		loc.refcount--
		if loc.refcount <= 0 {
			delete(s.index, g)
			if loc.segment >= 0 {
				s.segLiveSize[loc.segment] -= int64(diskfmt.Size(int(loc.size)))
			}
		}
	}
	go s.maybeStartGC()
}

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

// Package pqindex implements the per-queue index: an append-only journal
// plus fixed-width segment files recording PUBLISH/DELIVER/ACK records for
// one queue, addressed by seq-id.
package pqindex

import (
	"fmt"
	"os"
	"sync"

	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/foxcpp/tieredmq/internal/msgstore"
)

// RecordKind tags a journal/segment record.
type RecordKind uint8

const (
	KindPublish RecordKind = iota + 1
	KindDeliver
	KindAck
)

// Entry is one decoded record: a publish/deliver/ack against a seq-id.
type Entry struct {
	SeqID        uint64
	Kind         RecordKind
	GUID         msgstore.GUID
	IsPersistent bool
	Delivered    bool
	Acked        bool
}

// Terms is the small set of keys saved at clean shutdown (§6 Persisted
// layout); their absence at startup signals an unclean shutdown.
type Terms struct {
	PersistentRef   [16]byte
	TransientRef    [16]byte
	PersistentCount uint64
	Saved           bool
}

// Index is one queue's PQI instance.
type Index struct {
	dir       string
	segSize   uint64 // S, power of two
	log       log.Logger

	mu      sync.Mutex
	entries map[uint64]*Entry // in-memory view, seq-id -> latest state

	journal *os.File

	lowSeq  uint64
	nextSeq uint64
}

// Open creates or reopens the on-disk directory for one queue's index.
// segSize (S) must be a power of two.
func Open(dir string, segSize uint64, logger log.Logger) (*Index, error) {
	if segSize == 0 || segSize&(segSize-1) != 0 {
		return nil, fmt.Errorf("pqindex: segment size must be a power of two, got %d", segSize)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pqindex: mkdir: %w", err)
	}

	idx := &Index{
		dir:     dir,
		segSize: segSize,
		log:     logger,
		entries: make(map[uint64]*Entry),
	}

	if err := idx.loadSegments(); err != nil {
		return nil, err
	}

	j, err := os.OpenFile(idx.journalPath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pqindex: open journal: %w", err)
	}
	idx.journal = j

	if err := idx.replayJournal(); err != nil {
		return nil, err
	}

	idx.recomputeBounds()

	return idx, nil
}

func (idx *Index) journalPath() string {
	return idx.dir + "/journal.log"
}

// NextSegmentBoundary returns the ceiling of seqID to the next multiple of
// S (the segment size).
func (idx *Index) NextSegmentBoundary(seqID uint64) uint64 {
	return ((seqID / idx.segSize) + 1) * idx.segSize
}

func (idx *Index) segmentOf(seqID uint64) uint64 {
	return seqID / idx.segSize
}

func (idx *Index) recomputeBounds() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var low, next uint64
	first := true
	for seq, e := range idx.entries {
		if seq+1 > next {
			next = seq + 1
		}
		if e.Acked {
			continue
		}
		if first || seq < low {
			low = seq
			first = false
		}
	}
	if first {
		low = next
	}
	idx.lowSeq = low
	idx.nextSeq = next
}

// Bounds returns the lowest unacked seq-id and the next-to-issue seq-id.
func (idx *Index) Bounds() (low, next uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lowSeq, idx.nextSeq
}

// Close flushes and releases the journal handle.
func (idx *Index) Close() error {
	if err := idx.Flush(); err != nil {
		return err
	}
	return idx.journal.Close()
}

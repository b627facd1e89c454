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
	"fmt"
	"io"
	"os"

	"github.com/foxcpp/tieredmq/internal/diskfmt"
)

// journalRecord is one pending PUBLISH/DELIVER/ACK not yet folded into its
// segment file.
type journalRecord struct {
	seqID uint64
	kind  RecordKind
	entry *Entry
}

// appendJournal writes one record to the journal's tail. The journal is
// the durability boundary: Sync only needs to fsync this one file,
// regardless of how many segments those seq-ids eventually land in.
func (idx *Index) appendJournal(seqID uint64, kind RecordKind, e *Entry) error {
	rec := diskfmt.Record{Key: diskfmt.SeqKey(seqID), Body: encodeEntryBody(kind, e)}
	_, err := idx.journal.Write(diskfmt.Encode(nil, rec))
	if err != nil {
		return fmt.Errorf("pqindex: append journal: %w", err)
	}
	return nil
}

// replayJournal applies every record currently in journal.log to the
// in-memory view. Called once at Open, after segments are loaded, so a
// journal left over from an unclean shutdown is not lost.
func (idx *Index) replayJournal() error {
	if _, err := idx.journal.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for {
		rec, err := diskfmt.Decode(idx.journal)
		if err != nil {
			break
		}
		seqID := diskfmt.SeqFromKey(rec.Key)
		e, err := decodeEntryBody(seqID, rec.Body)
		if err != nil {
			idx.log.Error("pqindex: corrupt journal record", err)
			continue
		}
		idx.applyEntry(e)
	}
	if _, err := idx.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// Flush walks every in-memory entry (not only those the journal recorded
// since the last flush) and appends each into the segment file implied by
// its seq-id, then truncates the journal once every
// record has a durable home. Segments whose full seq-id range is now ACKed
// are deleted.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	touched := make(map[uint64]struct{})
	for seqID, e := range idx.entries {
		kind := KindPublish
		if e.Acked {
			kind = KindAck
		} else if e.Delivered {
			kind = KindDeliver
		}
		if err := idx.appendToSegment(seqID, kind, e); err != nil {
			idx.mu.Unlock()
			return err
		}
		touched[idx.segmentOf(seqID)] = struct{}{}
	}
	idx.mu.Unlock()

	if err := idx.journal.Truncate(0); err != nil {
		return fmt.Errorf("pqindex: truncate journal: %w", err)
	}
	if _, err := idx.journal.Seek(0, io.SeekStart); err != nil {
		return err
	}

	idx.mu.Lock()
	for seg := range touched {
		idx.deleteSegmentIfDrained(seg)
	}
	idx.mu.Unlock()

	return nil
}

// Sync forces the journal to disk so every record for the named seq-ids
// survives a crash. Since the journal holds every not-yet-flushed record
// regardless of which seq-ids the caller names, Sync always fsyncs the
// whole journal; this is safe because the durability contract only
// promises a lower bound ("every record up to the synced seq-id
// survives"), never an upper one.
func (idx *Index) Sync(seqIDs []uint64) error {
	if err := idx.journal.Sync(); err != nil {
		return fmt.Errorf("pqindex: fsync journal: %w", err)
	}
	return nil
}

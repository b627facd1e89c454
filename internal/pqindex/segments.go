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
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/foxcpp/tieredmq/internal/diskfmt"
)

func (idx *Index) segmentPath(segNum uint64) string {
	return filepath.Join(idx.dir, fmt.Sprintf("%d.pqi", segNum))
}

// recordBody packs one entry's mutable fields (kind, guid, flags) into the
// diskfmt body; the seq-id itself lives in the record key.
func encodeEntryBody(kind RecordKind, e *Entry) []byte {
	body := make([]byte, 1+16+1)
	body[0] = byte(kind)
	copy(body[1:17], e.GUID[:])
	var flags byte
	if e.IsPersistent {
		flags |= 1
	}
	if e.Delivered {
		flags |= 2
	}
	if e.Acked {
		flags |= 4
	}
	body[17] = flags
	return body
}

func decodeEntryBody(seqID uint64, body []byte) (*Entry, error) {
	if len(body) < 18 {
		return nil, fmt.Errorf("pqindex: short record body")
	}
	e := &Entry{SeqID: seqID, Kind: RecordKind(body[0])}
	copy(e.GUID[:], body[1:17])
	flags := body[17]
	e.IsPersistent = flags&1 != 0
	e.Delivered = flags&2 != 0
	e.Acked = flags&4 != 0
	return e, nil
}

// loadSegments reads every <segnum>.pqi file in the queue's directory into
// the in-memory entries map. Called once at Open, before the journal is
// replayed on top.
func (idx *Index) loadSegments() error {
	dirents, err := ioutil.ReadDir(idx.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".pqi") {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimSuffix(de.Name(), ".pqi"), 10, 64); err != nil {
			continue
		}

		f, err := os.Open(filepath.Join(idx.dir, de.Name()))
		if err != nil {
			idx.log.Error("pqindex: open segment", err, "file", de.Name())
			continue
		}
		for {
			rec, derr := diskfmt.Decode(f)
			if derr != nil {
				break
			}
			seqID := diskfmt.SeqFromKey(rec.Key)
			e, derr := decodeEntryBody(seqID, rec.Body)
			if derr != nil {
				idx.log.Error("pqindex: corrupt segment record", derr, "file", de.Name())
				continue
			}
			idx.applyEntry(e)
		}
		f.Close()
	}

	return nil
}

// applyEntry folds a decoded record into the in-memory view, respecting
// that PUBLISH < DELIVER < ACK in strength (an ACK always wins).
func (idx *Index) applyEntry(e *Entry) {
	existing, ok := idx.entries[e.SeqID]
	if !ok {
		idx.entries[e.SeqID] = e
		return
	}
	switch e.Kind {
	case KindAck:
		existing.Acked = true
	case KindDeliver:
		existing.Delivered = true
	case KindPublish:
		existing.GUID = e.GUID
		existing.IsPersistent = e.IsPersistent
	}
}

// appendToSegment writes one record directly to the segment file implied by
// seqID, used by Flush to drain the journal into permanent storage.
func (idx *Index) appendToSegment(seqID uint64, kind RecordKind, e *Entry) error {
	segNum := idx.segmentOf(seqID)
	f, err := os.OpenFile(idx.segmentPath(segNum), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("pqindex: open segment %d: %w", segNum, err)
	}
	defer f.Close()

	rec := diskfmt.Record{Key: diskfmt.SeqKey(seqID), Body: encodeEntryBody(kind, e)}
	if _, err := f.Write(diskfmt.Encode(nil, rec)); err != nil {
		return fmt.Errorf("pqindex: write segment %d: %w", segNum, err)
	}
	return nil
}

// deleteSegmentIfDrained removes segNum's file once every seq-id in its
// range has a matching ACK.
func (idx *Index) deleteSegmentIfDrained(segNum uint64) {
	start := segNum * idx.segSize
	end := start + idx.segSize
	for seq := start; seq < end; seq++ {
		e, ok := idx.entries[seq]
		if !ok {
			continue // never published in this run; can't assert drained
		}
		if !e.Acked {
			return
		}
	}
	_ = os.Remove(idx.segmentPath(segNum))
}

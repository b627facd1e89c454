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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/foxcpp/tieredmq/internal/diskfmt"
)

// scanRebuild walks every *.rdq segment end to end and rebuilds the guid
// index from scratch. Used when the clean-shutdown snapshot is missing or
// corrupt (§4.1 Recovery protocol); the snapshot's client refs are not
// compared with the refs the queues hold. Refcounts start at zero;
// ReconcileRefcounts fills them in once queues report their durable guids.
func (s *Store) scanRebuild() error {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return err
	}

	idx := make(map[GUID]*locator)
	segSize := make(map[int]int64)
	segLive := make(map[int]int64)
	maxSeg := 0

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".rdq") {
			continue
		}
		segNum, err := strconv.Atoi(strings.TrimSuffix(ent.Name(), ".rdq"))
		if err != nil {
			continue
		}
		if segNum > maxSeg {
			maxSeg = segNum
		}

		f, err := os.Open(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			s.log.Error("msgstore: scan: open segment", err, "segment", segNum)
			continue
		}

		var offset int64
		for {
			rec, derr := diskfmt.Decode(f)
			if derr != nil {
				break
			}
			recLen := int64(diskfmt.Size(len(rec.Body)))
			idx[GUID(rec.Key)] = &locator{segment: segNum, offset: offset, size: int64(len(rec.Body)), refcount: 0}
			segSize[segNum] += recLen
			segLive[segNum] += recLen
			offset += recLen
		}
		f.Close()
	}

	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()

	s.segMu.Lock()
	s.segSize = segSize
	s.segLiveSize = segLive
	s.activeSeg = maxSeg
	s.segMu.Unlock()

	return nil
}

// ReconcileRefcounts is called once by each recovering queue after a scan
// rebuild, handing the store the set of guids its PQI considers durably
// published. The store bumps refcounts accordingly; guids no queue claims
// remain at refcount zero and become immediately collectible.
func (s *Store) ReconcileRefcounts(guids []GUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range guids {
		if loc, ok := s.index[g]; ok {
			loc.refcount++
		}
	}
}

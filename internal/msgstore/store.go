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

// Package msgstore implements the shared, content-addressed, ref-counted
// blob store for message payloads (one instance serves persistent messages,
// a second serves transient ones; both speak the same contract).
package msgstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foxcpp/tieredmq/framework/buffer"
	"github.com/foxcpp/tieredmq/framework/exterrors"
	"github.com/foxcpp/tieredmq/framework/limiters"
	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/foxcpp/tieredmq/framework/resource"
	"github.com/foxcpp/tieredmq/internal/diskfmt"
)

// segmentTargetSize bounds how large one N.rdq file is allowed to grow
// before writes roll onto a new segment.
const segmentTargetSize = 64 << 20 // 64 MiB

// gcLiveRatioThreshold triggers a compaction of a segment once its live byte
// share drops below this fraction of the segment's total bytes written.
const gcLiveRatioThreshold = 0.5

// locator is the authoritative position of one guid's payload: which
// segment, at what offset, how many bytes, and how many owners still
// reference it.
type locator struct {
	segment  int
	offset   int64
	size     int64
	refcount int
}

// Store is one Shared Message Store instance (persistent or transient).
type Store struct {
	dir        string
	persistent bool
	log        log.Logger

	mu    sync.RWMutex
	index map[GUID]*locator

	segMu       sync.Mutex
	activeSeg   int
	segSize     map[int]int64
	segLiveSize map[int]int64

	handles *resource.Tracker[*os.File]
	single  *resource.Singleton[*os.File]

	clients   map[[16]byte]struct{}
	clientsMu sync.Mutex

	gcLimiter  *limiters.Rate
	gcRunning  bool
	gcRunningM sync.Mutex

	pendingBuf map[GUID]buffer.Buffer
	pendingMu  sync.Mutex
	syncWait   map[GUID][]*syncWaiter
	flushTick *time.Ticker
	closeCh   chan struct{}
	closeOnce sync.Once

	recoveredClean bool
}

// indexSnapshotEntry is the JSON-serializable form of a locator, used for
// the clean-shutdown index snapshot.
type indexSnapshotEntry struct {
	GUID     string `json:"guid"`
	Segment  int    `json:"segment"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Refcount int    `json:"refcount"`
}

type clientRefSnapshot struct {
	Refs [][16]byte `json:"refs"`
}

// Open opens (or creates) a store rooted at dir. Both kinds of store load a
// clean-shutdown snapshot when one is present and otherwise rebuild their
// index by scanning their segments; persistent does not change this, so a
// transient store keeps the segments of a previous run and is not cleared.
// Flushed writes are fsynced in both kinds of store.
func Open(dir string, persistent bool, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("msgstore: mkdir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o700); err != nil {
		return nil, fmt.Errorf("msgstore: mkdir tmp: %w", err)
	}

	s := &Store{
		dir:         dir,
		persistent:  persistent,
		log:         logger,
		index:       make(map[GUID]*locator),
		segSize:     make(map[int]int64),
		segLiveSize: make(map[int]int64),
		clients:     make(map[[16]byte]struct{}),
		gcLimiter:   limiters.NewRate(1, 2*time.Second),
		pendingBuf:  make(map[GUID]buffer.Buffer),
		syncWait:    make(map[GUID][]*syncWaiter),
		closeCh:     make(chan struct{}),
	}
	s.single = resource.NewSingleton[*os.File](&logger)
	s.handles = resource.NewTracker[*os.File](s.single)

	clean, err := s.loadCleanSnapshot()
	if err != nil || !clean {
		if err := s.scanRebuild(); err != nil {
			return nil, fmt.Errorf("msgstore: recovery scan: %w", err)
		}
	}
	s.recoveredClean = clean

	s.flushTick = time.NewTicker(50 * time.Millisecond)
	go s.flushLoop()

	return s, nil
}

// RecoveredClean reports whether this store loaded a clean-shutdown
// snapshot at Open time, as opposed to rebuilding its index from a segment
// scan. Callers owning a per-queue PQI use this to decide whether PQI's own
// recovery walk against Contains can be skipped.
func (s *Store) RecoveredClean() bool {
	return s.recoveredClean
}

// loadCleanSnapshot attempts to load index.snapshot and client-refs.snapshot
// left by a previous clean shutdown. It returns clean=true only if both
// parsed successfully. The refs listed in the snapshot are not compared with
// the refs the queues hold; they are added to the client set as they are.
func (s *Store) loadCleanSnapshot() (clean bool, err error) {
	idxPath := filepath.Join(s.dir, "index.snapshot")
	f, err := os.Open(idxPath)
	if err != nil {
		return false, nil
	}
	defer f.Close()

	var entries []indexSnapshotEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		s.log.Error("index snapshot corrupt, falling back to scan", err)
		return false, nil
	}

	idx := make(map[GUID]*locator, len(entries))
	for _, e := range entries {
		var g GUID
		if _, err := decodeHex(e.GUID, g[:]); err != nil {
			continue
		}
		idx[g] = &locator{segment: e.Segment, offset: e.Offset, size: e.Size, refcount: e.Refcount}
		if e.Segment > s.activeSeg {
			s.activeSeg = e.Segment
		}
		s.segSize[e.Segment] += int64(diskfmt.Size(int(e.Size)))
		s.segLiveSize[e.Segment] += int64(diskfmt.Size(int(e.Size)))
	}

	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()

	// Unclean shutdown is also signalled by the absence of refs snapshot.
	refPath := filepath.Join(s.dir, "client-refs.snapshot")
	rf, err := os.Open(refPath)
	if err != nil {
		return false, nil
	}
	defer rf.Close()
	var refs clientRefSnapshot
	if err := json.NewDecoder(rf).Decode(&refs); err != nil {
		return false, nil
	}

	s.clientsMu.Lock()
	for _, r := range refs.Refs {
		s.clients[r] = struct{}{}
	}
	s.clientsMu.Unlock()

	return true, nil
}

func decodeHex(s string, dst []byte) (int, error) {
	return hex.Decode(dst, []byte(s))
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.flushTick.Stop()
	s.flushAll()
	if err := s.writeCleanShutdownSnapshot(); err != nil {
		s.log.Error("failed to write clean-shutdown snapshot", err)
	}
	return s.handles.Close()
}

func (s *Store) writeCleanShutdownSnapshot() error {
	s.mu.RLock()
	entries := make([]indexSnapshotEntry, 0, len(s.index))
	for g, loc := range s.index {
		entries = append(entries, indexSnapshotEntry{
			GUID: g.String(), Segment: loc.segment, Offset: loc.offset,
			Size: loc.size, Refcount: loc.refcount,
		})
	}
	s.mu.RUnlock()

	if err := writeJSONAtomic(filepath.Join(s.dir, "index.snapshot"), entries); err != nil {
		return err
	}

	s.clientsMu.Lock()
	refs := make([][16]byte, 0, len(s.clients))
	for r := range s.clients {
		refs = append(refs, r)
	}
	s.clientsMu.Unlock()

	return writeJSONAtomic(filepath.Join(s.dir, "client-refs.snapshot"), clientRefSnapshot{Refs: refs})
}

func writeJSONAtomic(path string, v interface{}) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ClientInit registers ref as a logical client of this store. Registering a
// ref that is already known (e.g. one restored from a snapshot) is a no-op.
func (s *Store) ClientInit(ref [16]byte) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[ref] = struct{}{}
}

// ClientTerminate drops bookkeeping for a currently-connected client without
// forgetting the ref exists (refs outlive clients across restarts per spec).
func (s *Store) ClientTerminate(ref [16]byte) {
	// Refs persist until DeleteClient; ClientTerminate is a no-op placeholder
	// for symmetry with the spec's operation list and a future hook point
	// for per-client cache eviction.
	_ = ref
}

// DeleteClient permanently forgets ref.
func (s *Store) DeleteClient(ref [16]byte) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, ref)
}

// Fatal wraps an error as non-temporary (corruption / precondition), fatal
// to the calling queue actor but not to the store itself.
func fatal(format string, args ...interface{}) error {
	return exterrors.WithTemporary(fmt.Errorf(format, args...), false)
}

// ioFailure wraps an error as temporary (an I/O failure per §7). Nothing in
// this package retries an operation that failed this way.
func ioFailure(format string, args ...interface{}) error {
	return exterrors.WithTemporary(fmt.Errorf(format, args...), true)
}

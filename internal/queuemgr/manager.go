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

// Package queuemgr wires a pair of shared message stores (one persistent,
// one transient) to a registry of per-name tiered queues, and drives their
// startup recovery and shutdown. It is the one place in this module that
// knows there can be more than one queue.
package queuemgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/foxcpp/tieredmq/framework/config"
	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/foxcpp/tieredmq/framework/module"
	"github.com/foxcpp/tieredmq/internal/msgstore"
	"github.com/foxcpp/tieredmq/internal/tieredqueue"
)

// Config bundles the on-disk layout and tuning knobs shared by every queue
// the Manager opens.
type Config struct {
	// BaseDir holds "persistent/", "transient/" (the two shared stores)
	// and "queues/<name>/" (one PQI directory per queue).
	BaseDir string

	// PQISegSize is the per-queue index journal's segment size; see
	// pqindex.Init.
	PQISegSize uint64

	// OpenConcurrency caps how many queues are recovered in parallel at
	// startup. 0 means unbounded.
	OpenConcurrency int

	// DeclareQueues names queues that must exist after Start even if no
	// on-disk directory for them was found (a fresh deployment).
	DeclareQueues []string

	Log log.Logger
}

// Manager owns the shared stores and every open Queue. It implements
// module.LifetimeModule so it can be driven by a module.LifetimeTracker the
// same way the teacher drives its storage backends: Init reads the config
// block, Start opens the stores and recovers queues, Stop persists
// clean-shutdown terms and closes the stores.
type Manager struct {
	instName string
	cfg      Config

	persistentSMS *msgstore.Store
	transientSMS  *msgstore.Store

	mu     sync.RWMutex
	queues map[string]*tieredqueue.Queue
}

var (
	_ module.Module         = (*Manager)(nil)
	_ module.LifetimeModule = (*Manager)(nil)
)

// NewManager constructs an unconfigured Manager for instName. Used both by
// the module registry (New -> Init -> Start) and directly by callers that
// already have a Config, via Open.
func NewManager(instName string) *Manager {
	return &Manager{instName: instName, queues: make(map[string]*tieredqueue.Queue)}
}

func (m *Manager) Name() string         { return "queue_manager" }
func (m *Manager) InstanceName() string { return m.instName }

// Init implements module.Module: reads the queue_manager config block.
//
//	queue_manager {
//	    state_dir /var/lib/tieredmq
//	    pqi_seg_size 8M
//	    open_concurrency 4
//	    queues orders notifications
//	}
func (m *Manager) Init(cfg *config.Map) error {
	var (
		stateDir        string
		segSize         int64
		openConcurrency int
		queues          []string
	)
	cfg.String("state_dir", false, false, config.StateDirectory, &stateDir)
	cfg.DataSize("pqi_seg_size", false, false, 8<<20, &segSize)
	cfg.Int("open_concurrency", false, false, 4, &openConcurrency)
	cfg.StringList("queues", false, false, nil, &queues)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	m.cfg = Config{
		BaseDir:         stateDir,
		PQISegSize:      uint64(segSize),
		OpenConcurrency: openConcurrency,
		DeclareQueues:   queues,
		Log:             log.Logger{Name: "queue_manager/" + m.instName},
	}
	return nil
}

// Open builds and starts a Manager directly from a Config, bypassing the
// module registry. Used by cmd/tieredmqctl, which reads its settings from
// the config file itself, and by tests.
func Open(cfg Config) (*Manager, error) {
	m := NewManager("")
	m.cfg = cfg
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m, nil
}

// Start implements module.LifetimeModule: opens the shared stores and
// recovers every queue directory found under cfg.BaseDir/queues, plus any
// name listed in cfg.DeclareQueues that has no directory yet. Queues are
// recovered concurrently (bounded by cfg.OpenConcurrency) since each one's
// recovery walk is independent I/O against its own PQI directory.
func (m *Manager) Start() error {
	persistentDir := filepath.Join(m.cfg.BaseDir, "persistent")
	transientDir := filepath.Join(m.cfg.BaseDir, "transient")
	queuesDir := filepath.Join(m.cfg.BaseDir, "queues")

	if err := os.MkdirAll(queuesDir, 0o700); err != nil {
		return fmt.Errorf("queuemgr: mkdir queues dir: %w", err)
	}

	persistentSMS, err := msgstore.Open(persistentDir, true, m.cfg.Log)
	if err != nil {
		return fmt.Errorf("queuemgr: open persistent store: %w", err)
	}
	transientSMS, err := msgstore.Open(transientDir, false, m.cfg.Log)
	if err != nil {
		return fmt.Errorf("queuemgr: open transient store: %w", err)
	}
	m.persistentSMS = persistentSMS
	m.transientSMS = transientSMS

	names, err := existingQueueNames(queuesDir)
	if err != nil {
		return fmt.Errorf("queuemgr: list queue dirs: %w", err)
	}
	names = append(names, missingNames(names, m.cfg.DeclareQueues)...)

	return m.recoverAll(names)
}

func missingNames(have, want []string) []string {
	haveSet := make(map[string]struct{}, len(have))
	for _, n := range have {
		haveSet[n] = struct{}{}
	}
	var missing []string
	for _, n := range want {
		if _, ok := haveSet[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func existingQueueNames(queuesDir string) ([]string, error) {
	entries, err := os.ReadDir(queuesDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// recoverAll reopens every named queue in parallel, then merges the results
// into m.queues single-threaded once the group completes, so the map never
// sees concurrent writers.
func (m *Manager) recoverAll(names []string) error {
	if len(names) == 0 {
		return nil
	}

	type opened struct {
		name string
		q    *tieredqueue.Queue
	}
	results := make([]opened, len(names))

	g := new(errgroup.Group)
	if m.cfg.OpenConcurrency > 0 {
		g.SetLimit(m.cfg.OpenConcurrency)
	}

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			q, err := m.openQueue(name)
			if err != nil {
				return fmt.Errorf("queuemgr: recover queue %q: %w", name, err)
			}
			results[i] = opened{name: name, q: q}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	for _, r := range results {
		m.queues[r.name] = r.q
	}
	m.mu.Unlock()

	return nil
}

// openQueue opens (or creates) the named queue's tieredqueue.Queue. The
// freshly minted SMS client refs passed here are only actually used when
// the queue has no saved terms (a brand new queue, or one recovering from
// an unclean shutdown); Open reuses the refs from a clean prior shutdown's
// terms.json otherwise.
func (m *Manager) openQueue(name string) (*tieredqueue.Queue, error) {
	pqiDir := filepath.Join(m.cfg.BaseDir, "queues", name)

	pRef, err := tieredqueue.NewRef()
	if err != nil {
		return nil, err
	}
	tRef, err := tieredqueue.NewRef()
	if err != nil {
		return nil, err
	}

	return tieredqueue.Open(tieredqueue.Config{
		Name:              name,
		IsDurable:         true,
		MsgStoreRecovered: m.persistentSMS.RecoveredClean(),
		PersistentSMS:     m.persistentSMS,
		TransientSMS:      m.transientSMS,
		PersistentRef:     pRef,
		TransientRef:      tRef,
		PQIDir:            pqiDir,
		PQISegSize:        m.cfg.PQISegSize,
		Log:               m.cfg.Log,
	})
}

// Declare opens (creating if needed) the named queue and registers it.
// Idempotent: redeclaring an already-open queue returns the existing one.
func (m *Manager) Declare(name string) (*tieredqueue.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	q, err := m.openQueue(name)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

// Get returns the named queue, if open.
func (m *Manager) Get(name string) (*tieredqueue.Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Names returns every currently open queue's name.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Delete destroys the named queue entirely: every message it holds is
// purged, its PQI segments are freed and its SMS client refs are released.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if ok {
		delete(m.queues, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("queuemgr: no such queue: %q", name)
	}
	return q.DeleteAndTerminate()
}

// Stop implements module.LifetimeModule, delegating to Shutdown with a
// background context: the teacher's LifetimeTracker.StopAll has no
// cancellation budget of its own for this module.
func (m *Manager) Stop() error {
	return m.Shutdown(context.Background())
}

// Shutdown terminates every open queue (persisting clean-shutdown terms)
// and closes both shared stores. Queues are terminated concurrently for the
// same reason they are recovered concurrently: each one's PQI flush/fsync
// is independent disk I/O.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	queues := make([]*tieredqueue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		g.Go(q.Terminate)
	}
	if err := g.Wait(); err != nil {
		m.cfg.Log.Error("queuemgr: queue terminate failed during shutdown", err)
	}

	var firstErr error
	if err := m.persistentSMS.Close(); err != nil {
		firstErr = err
	}
	if err := m.transientSMS.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

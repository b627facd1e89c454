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

package queuemgr

import (
	"context"
	"testing"

	"github.com/foxcpp/tieredmq/framework/config"
	"github.com/foxcpp/tieredmq/framework/log"
)

func openTestManager(t *testing.T, declare ...string) *Manager {
	t.Helper()
	m, err := Open(Config{
		BaseDir:         t.TempDir(),
		PQISegSize:      64,
		OpenConcurrency: 2,
		DeclareQueues:   declare,
		Log:             log.Logger{Name: "queuemgr-test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestOpenDeclaresConfiguredQueues(t *testing.T) {
	m := openTestManager(t, "orders", "notifications")

	names := m.Names()
	if len(names) != 2 {
		t.Fatalf("got %d queues, want 2: %v", len(names), names)
	}
	if _, ok := m.Get("orders"); !ok {
		t.Fatal("expected \"orders\" to be open after Start")
	}
	if _, ok := m.Get("notifications"); !ok {
		t.Fatal("expected \"notifications\" to be open after Start")
	}
}

func TestDeclareIsIdempotent(t *testing.T) {
	m := openTestManager(t)

	q1, err := m.Declare("orders")
	if err != nil {
		t.Fatal(err)
	}
	q2, err := m.Declare("orders")
	if err != nil {
		t.Fatal(err)
	}
	if q1 != q2 {
		t.Fatal("Declare should return the same *Queue on a second call")
	}
}

func TestDeleteRemovesQueueFromRegistry(t *testing.T) {
	m := openTestManager(t, "scratch")

	if err := m.Delete("scratch"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("scratch"); ok {
		t.Fatal("queue should no longer be registered after Delete")
	}
	if err := m.Delete("scratch"); err == nil {
		t.Fatal("deleting an already-deleted queue should report an error")
	}
}

func TestQueuesSurviveRestartAcrossManagerInstances(t *testing.T) {
	dir := t.TempDir()

	m1, err := Open(Config{BaseDir: dir, PQISegSize: 64, DeclareQueues: []string{"orders"}, Log: log.Logger{Name: "m1"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	m2, err := Open(Config{BaseDir: dir, PQISegSize: 64, Log: log.Logger{Name: "m2"}})
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Shutdown(context.Background())

	if _, ok := m2.Get("orders"); !ok {
		t.Fatal("expected \"orders\" to be recovered from its on-disk directory without being re-declared")
	}
}

func TestInitReadsQueueManagerBlock(t *testing.T) {
	m := NewManager("main")
	node := config.Node{
		Name: "queue_manager",
		Children: []config.Node{
			{Name: "state_dir", Args: []string{t.TempDir()}},
			{Name: "pqi_seg_size", Args: []string{"64b"}},
			{Name: "open_concurrency", Args: []string{"3"}},
			{Name: "queues", Args: []string{"alpha", "beta"}},
		},
	}

	if err := m.Init(config.NewMap(nil, node)); err != nil {
		t.Fatal(err)
	}

	if m.cfg.PQISegSize != 64 {
		t.Fatalf("PQISegSize = %d, want 64", m.cfg.PQISegSize)
	}
	if m.cfg.OpenConcurrency != 3 {
		t.Fatalf("OpenConcurrency = %d, want 3", m.cfg.OpenConcurrency)
	}
	if len(m.cfg.DeclareQueues) != 2 {
		t.Fatalf("DeclareQueues = %v, want 2 entries", m.cfg.DeclareQueues)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(context.Background())

	if _, ok := m.Get("alpha"); !ok {
		t.Fatal("expected \"alpha\" to be declared via the config block")
	}
}

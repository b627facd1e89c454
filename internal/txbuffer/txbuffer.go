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

// Package txbuffer implements per-transaction staging of pending publishes
// and acks. It is deliberately dumb: all the commit/rollback semantics live
// in the queue that owns a Buffer, this package only remembers what a
// transaction has accumulated so far.
package txbuffer

import (
	"sync"

	"github.com/foxcpp/tieredmq/internal/backingqueue"
)

type txnState struct {
	// PendingPublishes is newest-first, matching the spec's description;
	// callers that need publish order for replay should range it in
	// reverse.
	PendingPublishes []backingqueue.Message
	PendingAcks      [][]backingqueue.AckTag
}

// Buffer is keyed by opaque transaction handle. Lookups for an unknown
// handle behave as if it held an empty state; Erase is idempotent.
type Buffer struct {
	mu  sync.Mutex
	txn map[backingqueue.TxnID]*txnState
}

func New() *Buffer {
	return &Buffer{txn: make(map[backingqueue.TxnID]*txnState)}
}

func (b *Buffer) get(id backingqueue.TxnID) *txnState {
	s, ok := b.txn[id]
	if !ok {
		s = &txnState{}
		b.txn[id] = s
	}
	return s
}

// AppendPublish records msg under txn, at the front of the newest-first
// list.
func (b *Buffer) AppendPublish(id backingqueue.TxnID, msg backingqueue.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(id)
	s.PendingPublishes = append([]backingqueue.Message{msg}, s.PendingPublishes...)
}

// AppendAcks records one batch of ack tags under txn.
func (b *Buffer) AppendAcks(id backingqueue.TxnID, tags []backingqueue.AckTag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(id)
	s.PendingAcks = append(s.PendingAcks, tags)
}

// Publishes returns txn's pending publishes in original publish order
// (oldest first), since commit/rollback both need chronological order even
// though the internal representation is newest-first.
func (b *Buffer) Publishes(id backingqueue.TxnID) []backingqueue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.txn[id]
	if !ok {
		return nil
	}
	out := make([]backingqueue.Message, len(s.PendingPublishes))
	for i, m := range s.PendingPublishes {
		out[len(out)-1-i] = m
	}
	return out
}

// Acks returns every ack tag accumulated under txn, flattened in the order
// the batches were appended.
func (b *Buffer) Acks(id backingqueue.TxnID) []backingqueue.AckTag {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.txn[id]
	if !ok {
		return nil
	}
	var out []backingqueue.AckTag
	for _, batch := range s.PendingAcks {
		out = append(out, batch...)
	}
	return out
}

// Erase drops txn's staged state. Idempotent: erasing an already-erased or
// never-seen handle is a no-op, matching "rollback is idempotent".
func (b *Buffer) Erase(id backingqueue.TxnID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.txn, id)
}

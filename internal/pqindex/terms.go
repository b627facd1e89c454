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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/foxcpp/tieredmq/internal/msgstore"
)

type termsJSON struct {
	PersistentRef   [16]byte `json:"persistent_ref"`
	TransientRef    [16]byte `json:"transient_ref"`
	PersistentCount uint64   `json:"persistent_count"`
}

func termsPath(dir string) string {
	return filepath.Join(dir, "terms.json")
}

// loadTerms reads the terms saved at the last clean shutdown. Terms.Saved
// is false if no terms file exists, which per §6 signals an unclean
// shutdown and forces the recovery walk.
func loadTerms(dir string) Terms {
	f, err := os.Open(termsPath(dir))
	if err != nil {
		return Terms{}
	}
	defer f.Close()

	var t termsJSON
	if err := json.NewDecoder(f).Decode(&t); err != nil {
		return Terms{}
	}

	return Terms{
		PersistentRef:   t.PersistentRef,
		TransientRef:    t.TransientRef,
		PersistentCount: t.PersistentCount,
		Saved:           true,
	}
}

func saveTerms(dir string, t Terms) error {
	tmp := termsPath(dir) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	err = enc.Encode(termsJSON{
		PersistentRef:   t.PersistentRef,
		TransientRef:    t.TransientRef,
		PersistentCount: t.PersistentCount,
	})
	if err != nil {
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
	return os.Rename(tmp, termsPath(dir))
}

// Init is the queue-facing entry point combining directory load, journal
// replay and (when the shared store could not vouch for its own state) the
// recovery walk, exactly as §4.2's init operation specifies.
func Init(dir string, segSize uint64, msgStoreRecovered bool, contains func(msgstore.GUID) bool, logger log.Logger) (idx *Index, recovered RecoverResult, terms Terms, err error) {
	terms = loadTerms(dir)

	idx, err = Open(dir, segSize, logger)
	if err != nil {
		return nil, RecoverResult{}, Terms{}, err
	}

	if !msgStoreRecovered {
		recovered = idx.RecoveryWalk(contains)
	}

	return idx, recovered, terms, nil
}

// SaveTerms persists the clean-shutdown terms for this queue's directory.
func (idx *Index) SaveTerms(t Terms) error {
	return saveTerms(idx.dir, t)
}

package history

import (
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerHistory persists records in a badger database, one value per
// canonical key. Suitable for sharing history across processes.
type BadgerHistory struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a history database at dir.
func OpenBadger(dir string) (*BadgerHistory, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerHistory{db: db}, nil
}

// Close releases the database.
func (b *BadgerHistory) Close() error { return b.db.Close() }

func (b *BadgerHistory) Lookup(key string) (Record, bool) {
	var rec Record
	found := false
	_ = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return rec, found
}

func (b *BadgerHistory) Update(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rec.Key), data)
	})
}

func (b *BadgerHistory) Records() []Record {
	var out []Record
	_ = b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out
}

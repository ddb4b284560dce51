// Package checkpoint stores finished bootstrap replicates in a bolt
// database, so that an interrupted run can be resumed.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the top level bucket, runs are nested buckets.
var MAIN = []byte("main")

// Record is a finished replicate.
type Record struct {
	Index     int       `json:"index"`
	Estimates []float64 `json:"estimates"`
	Converged bool      `json:"converged"`
	// Error is the failure cause, empty on success.
	Error string `json:"error,omitempty"`
}

// Store saves replicate records grouped by run key. Store is safe for
// concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens or creates a database file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

// Save stores a record under run.
func (s *Store) Save(run string, r *Record) error {
	if r.Index < 0 {
		return errors.New("negative replicate index")
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Error("Error serializing replicate", err)
		return err
	}
	err = SaveData(s.db, [][]byte{MAIN, []byte(run)}, indexKey(r.Index), data)
	if err != nil {
		log.Error("Error saving replicate", err)
	}
	return err
}

// Load returns the record of replicate i of run, nil if it was not
// saved.
func (s *Store) Load(run string, i int) (*Record, error) {
	b, err := LoadData(s.db, [][]byte{MAIN, []byte(run)}, indexKey(i))
	if err != nil || b == nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Count returns the number of records of run.
func (s *Store) Count(run string) (n int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := bucket(tx, [][]byte{MAIN, []byte(run)})
		if b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return
}

// Delete removes all the records of run.
func (s *Store) Delete(run string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		main := tx.Bucket(MAIN)
		if main == nil || main.Bucket([]byte(run)) == nil {
			return nil
		}
		return main.DeleteBucket([]byte(run))
	})
}

// bucket returns a nested bucket, nil if it does not exist.
func bucket(tx *bolt.Tx, path [][]byte) *bolt.Bucket {
	b := tx.Bucket(path[0])
	for _, name := range path[1:] {
		if b == nil {
			return nil
		}
		b = b.Bucket(name)
	}
	return b
}

// SaveData saves values in bolt database under nested buckets.
func SaveData(db *bolt.DB, path [][]byte, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(path[0])
		if err != nil {
			return err
		}
		for _, name := range path[1:] {
			if b, err = b.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return b.Put(key, data)
	})
}

// LoadData loads data from bolt database.
func LoadData(db *bolt.DB, path [][]byte, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := bucket(tx, path)
		if b == nil {
			return nil
		}
		// values are only valid during the transaction
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

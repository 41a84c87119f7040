package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

const meltsBucket = "melts"

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(meltsBucket))
		return err
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMeltRecord(record MeltRecord) error {
	jsonRecord, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("invalid melt record: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		meltsb := tx.Bucket([]byte(meltsBucket))
		return meltsb.Put([]byte(record.Id), jsonRecord)
	})
}

func (db *BoltDB) UpdateMeltState(id string, from, to MeltState, updatedAt time.Time) (bool, error) {
	updated := false

	err := db.bolt.Update(func(tx *bolt.Tx) error {
		meltsb := tx.Bucket([]byte(meltsBucket))
		value := meltsb.Get([]byte(id))
		if value == nil {
			return ErrRecordNotFound
		}

		var record MeltRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("error getting melt record: %v", err)
		}
		if record.State != from {
			return nil
		}

		record.State = to
		record.UpdatedAt = updatedAt
		jsonRecord, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("invalid melt record: %v", err)
		}
		if err := meltsb.Put([]byte(id), jsonRecord); err != nil {
			return err
		}
		updated = true
		return nil
	})

	return updated, err
}

func (db *BoltDB) GetMeltRecord(id string) (*MeltRecord, error) {
	var record *MeltRecord

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		meltsb := tx.Bucket([]byte(meltsBucket))
		value := meltsb.Get([]byte(id))
		if value == nil {
			return ErrRecordNotFound
		}

		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("error getting melt record: %v", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return record, nil
}

func (db *BoltDB) GetMeltRecords() ([]MeltRecord, error) {
	records := []MeltRecord{}

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		meltsb := tx.Bucket([]byte(meltsBucket))

		c := meltsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record MeltRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("error getting melt records: %v", err)
			}
			records = append(records, record)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// keys are random ids
	slices.SortStableFunc(records, func(a, b MeltRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return records, nil
}

package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	transferPrefix  = "transfer:"
	duplicatePrefix = "dup:"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// Direction tells which side of a transfer a record was written on.
type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
	DirectionPulled   Direction = "pulled"
)

// TransferRecord is the audit entry kept after the in-memory state of a
// finished transfer is gone.
type TransferRecord struct {
	TransferID     string    `json:"transfer_id"`
	FileName       string    `json:"file_name"`
	FilePath       string    `json:"file_path,omitempty"`
	TotalBytes     int64     `json:"total_bytes"`
	Checksum       string    `json:"checksum,omitempty"`
	Encrypted      bool      `json:"encrypted"`
	KeyFingerprint string    `json:"key_fingerprint,omitempty"`
	Protocol       string    `json:"protocol,omitempty"`
	Peer           string    `json:"peer,omitempty"`
	Direction      Direction `json:"direction"`
	State          string    `json:"state"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    int64     `json:"completed_at"` // Unix timestamp
}

// MetadataStore wraps BadgerDB for metadata operations.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path. An
// empty path opens an in-memory database.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	if dbPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutTransfer stores or replaces the audit record of a transfer.
func (ms *MetadataStore) PutTransfer(rec TransferRecord) error {
	if rec.TransferID == "" {
		return errors.New("transfer record needs an id")
	}
	if rec.CompletedAt == 0 {
		rec.CompletedAt = time.Now().Unix()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(transferPrefix+rec.TransferID), val)
	})
}

// GetTransfer retrieves the audit record of a transfer.
func (ms *MetadataStore) GetTransfer(transferID string) (TransferRecord, error) {
	var rec TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(transferPrefix + transferID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, transferID)
	}
	return rec, err
}

// ListTransfers returns up to limit records, newest first. A limit of
// zero or less returns everything.
func (ms *MetadataStore) ListTransfers(limit int) ([]TransferRecord, error) {
	var records []TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(transferPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CompletedAt > records[j].CompletedAt
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// LatestForFile returns the newest record for fileName.
func (ms *MetadataStore) LatestForFile(fileName string) (TransferRecord, error) {
	records, err := ms.ListTransfers(0)
	if err != nil {
		return TransferRecord{}, err
	}
	for _, rec := range records {
		if rec.FileName == fileName {
			return rec, nil
		}
	}
	return TransferRecord{}, fmt.Errorf("%w: %s", ErrNotFound, fileName)
}

// DuplicateKey identifies one send of one file between two parties.
func DuplicateKey(sender, receiver, fileName, mode string) string {
	return strings.Join([]string{sender, receiver, fileName, strings.ToLower(mode)}, "|")
}

// RememberSend records key for window. Badger expires the entry on its own.
func (ms *MetadataStore) RememberSend(key string, window time.Duration) error {
	entry := badger.NewEntry([]byte(duplicatePrefix+key), []byte(time.Now().UTC().Format(time.RFC3339)))
	if window > 0 {
		entry = entry.WithTTL(window)
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// SeenRecently reports whether key was remembered and has not expired,
// along with when it was recorded.
func (ms *MetadataStore) SeenRecently(key string) (bool, time.Time, error) {
	var when time.Time
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(duplicatePrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			t, perr := time.Parse(time.RFC3339, string(val))
			if perr == nil {
				when = t
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	return true, when, nil
}

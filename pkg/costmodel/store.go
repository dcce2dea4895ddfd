package costmodel

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/orneryd/dicengine/pkg/kernel"
)

// Key prefixes for the performance store.
const (
	prefixSample = byte(0x01) // sample:config:0x00:subsetBatch:deformationBatch -> elapsed ns
	prefixMeta   = byte(0x02) // meta -> Meta (gob)
)

// formatVersion is bumped whenever the key or value layout changes. Stores
// with another version are treated as stale.
const formatVersion = 1

// Meta describes the benchmark run a stored table came from.
type Meta struct {
	Version     int
	BenchmarkID uuid.UUID
	Timestamp   time.Time
	Backend     string
	Device      string
}

// StoreOptions configures the performance store.
type StoreOptions struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps the store in memory only.
	InMemory bool
	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// Store persists performance tables in badger.
type Store struct {
	db *badger.DB
}

// OpenStore opens or creates a store.
func OpenStore(opts StoreOptions) (*Store, error) {
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		bo = bo.WithSyncWrites(true)
	}
	// quiet logger; the table is tiny so the low-memory settings apply
	bo = bo.WithLogger(nil).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(1).
		WithNumLevelZeroTables(1).
		WithNumLevelZeroTablesStall(2).
		WithBlockCacheSize(4 << 20).
		WithIndexCacheSize(2 << 20)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("failed to open performance store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that is lost on Close.
func OpenInMemory() (*Store, error) {
	return OpenStore(StoreOptions{InMemory: true})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func sampleKey(smp Sample) []byte {
	key := make([]byte, 0, 1+len(smp.Config.Key())+1+16)
	key = append(key, prefixSample)
	key = append(key, smp.Config.Key()...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, uint64(smp.SubsetBatch))
	key = binary.BigEndian.AppendUint64(key, uint64(smp.DeformationBatch))
	return key
}

func parseSampleKey(key []byte) (Sample, error) {
	if len(key) < 1+1+16 || key[0] != prefixSample {
		return Sample{}, fmt.Errorf("%w: malformed sample key", ErrCorruptStore)
	}
	body := key[1:]
	sep := bytes.IndexByte(body, 0x00)
	if sep < 0 || len(body)-sep-1 != 16 {
		return Sample{}, fmt.Errorf("%w: malformed sample key", ErrCorruptStore)
	}
	cfg, err := kernel.ParseConfiguration(string(body[:sep]))
	if err != nil || !cfg.IsConcrete() {
		return Sample{}, fmt.Errorf("%w: sample configuration %q", ErrCorruptStore, body[:sep])
	}
	nums := body[sep+1:]
	return Sample{
		Config:           cfg,
		SubsetBatch:      int(binary.BigEndian.Uint64(nums[:8])),
		DeformationBatch: int64(binary.BigEndian.Uint64(nums[8:])),
	}, nil
}

func metaKey() []byte {
	return []byte{prefixMeta, 'm', 'e', 't', 'a'}
}

// Save replaces the stored table and metadata.
func (s *Store) Save(t *Table, meta Meta) error {
	meta.Version = formatVersion
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.db.DropPrefix([]byte{prefixSample}); err != nil {
		return fmt.Errorf("clear samples: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, smp := range t.Samples() {
		val := binary.BigEndian.AppendUint64(nil, uint64(smp.Elapsed))
		if err := wb.Set(sampleKey(smp), val); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
	}
	if err := wb.Set(metaKey(), buf.Bytes()); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return wb.Flush()
}

// Load reads the stored table. It returns ErrNoTable when nothing was saved
// yet.
func (s *Store) Load() (*Table, Meta, error) {
	var meta Meta
	table := NewTable()
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoTable
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&meta)
		}); err != nil {
			return fmt.Errorf("%w: metadata: %w", ErrCorruptStore, err)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixSample}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			smp, err := parseSampleKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("%w: sample value length %d", ErrCorruptStore, len(val))
				}
				smp.Elapsed = time.Duration(binary.BigEndian.Uint64(val))
				return nil
			}); err != nil {
				return err
			}
			table.Record(smp)
		}
		return nil
	})
	if err != nil {
		return nil, Meta{}, err
	}
	return table, meta, nil
}

// Clear removes every stored sample and the metadata.
func (s *Store) Clear() error {
	return s.db.DropAll()
}

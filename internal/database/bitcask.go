package database

import (
	"bytes" // For buffer operations
	"compress/gzip"
	"errors"
	"fmt"
	"io" // For io.ReadAll
	"os"
	"path/filepath"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus" // Use logrus aliased as log
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// gzipMagicBytes are the first two bytes of a gzip file.
var gzipMagicBytes = []byte{0x1f, 0x8b}

// Raw API payloads for models routinely exceed bitcask's 64KiB default.
const maxValueSize = 16 << 20

// DB wraps the bitcask database instance and provides helper methods.
type DB struct {
	db           *bitcask.Bitcask
	sync.RWMutex // Embed mutex for concurrent access control
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	// Ensure the parent directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path, bitcask.WithMaxValueSize(maxValueSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Infof("Database opened successfully at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	log.Info("Closing database...")
	// Acquire write lock to ensure no operations are in progress during close
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	defer d.RUnlock()
	return d.get(key)
}

// Put compresses and stores a key-value pair in the database.
func (d *DB) Put(key []byte, value []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.put(key, value)
}

// Delete removes a key from the database.
func (d *DB) Delete(key []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.delete(key)
}

// Scan calls fn for every key with the given prefix and its decompressed value.
func (d *DB) Scan(prefix []byte, fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()
	return d.scan(prefix, fn)
}

// Update runs fn while holding the write lock, so a read-check-write sequence
// inside fn is atomic with respect to every other DB call.
// Writes made before fn returns an error are not rolled back.
func (d *DB) Update(fn func(tx *Tx) error) error {
	d.Lock()
	defer d.Unlock()
	return fn(&Tx{d: d})
}

// View runs fn under the read lock.
func (d *DB) View(fn func(tx *Tx) error) error {
	d.RLock()
	defer d.RUnlock()
	return fn(&Tx{d: d, readOnly: true})
}

// Tx gives lock-free access to the database inside Update and View.
type Tx struct {
	d        *DB
	readOnly bool
}

var errReadOnly = errors.New("write inside read-only transaction")

func (t *Tx) Has(key []byte) bool { return t.d.db.Has(key) }

func (t *Tx) Get(key []byte) ([]byte, error) { return t.d.get(key) }

func (t *Tx) Put(key []byte, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.d.put(key, value)
}

func (t *Tx) Delete(key []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.d.delete(key)
}

func (t *Tx) Scan(prefix []byte, fn func(key []byte, value []byte) error) error {
	return t.d.scan(prefix, fn)
}

func (d *DB) get(key []byte) ([]byte, error) {
	value, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound // Return our specific package error
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

func (d *DB) put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestCompression) // Level 9
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}
	if err := d.db.Put(key, compressedValue); err != nil {
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

func (d *DB) delete(key []byte) error {
	if err := d.db.Delete(key); err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

func (d *DB) scan(prefix []byte, fn func(key []byte, value []byte) error) error {
	// Collect keys first: fn may write, and bitcask's trie must not change mid-scan.
	var keys [][]byte
	err := d.db.Scan(prefix, func(key []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return fmt.Errorf("error scanning prefix %s: %w", string(prefix), err)
	}

	for _, key := range keys {
		value, err := d.get(key)
		if errors.Is(err, ErrNotFound) {
			continue // deleted by fn for an earlier key
		}
		if err != nil {
			log.WithError(err).Warnf("Scan: Error getting value for key %s", string(key))
			continue
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// --- Compression Helpers ---

// decompressIfGzipped decompresses the value if it is gzipped.
func decompressIfGzipped(value []byte) ([]byte, error) {
	if bytes.HasPrefix(value, gzipMagicBytes) {
		gReader, err := gzip.NewReader(bytes.NewReader(value))
		if err != nil {
			log.WithError(err).Warnf("Error creating gzip reader for value, returning raw data.")
			return value, nil // Return raw data on decompression error
		}
		defer gReader.Close()

		decompressedValue, err := io.ReadAll(gReader)
		if err != nil {
			log.WithError(err).Warnf("Error decompressing value, returning raw data.")
			return value, nil // Return raw data on decompression error
		}
		return decompressedValue, nil
	}

	// If no gzip header, return the value as is
	return value, nil
}

// compressGzip compresses the value using gzip with the specified compression level.
func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		// Should generally not happen with a bytes.Buffer
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err := gWriter.Write(value); err != nil {
		_ = gWriter.Close() // Attempt to close writer even on error
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err := gWriter.Close(); err != nil { // Close *must* be called to flush buffers
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}

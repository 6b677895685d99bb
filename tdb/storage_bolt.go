package tdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/cabinet"
)

var recordsBucket = []byte("records")

const boltMagic = 0xED0CDAED

// boltStorage keeps records in a single Bolt bucket. Outside a transaction
// every call runs in its own Bolt transaction; between Begin and Commit all
// calls share one write transaction.
type boltStorage struct {
	path string
	mode cabinet.Mode
	bdb  *bbolt.DB
	tx   *bbolt.Tx
}

func openBoltStorage(path string, mode cabinet.Mode, opt *Options) (storage, error) {
	s := &boltStorage{path: path, mode: mode}
	if err := s.open(opt.BoltTimeout); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *boltStorage) open(timeout time.Duration) error {
	mode := s.mode
	if !mode.Has(cabinet.Create) {
		if _, err := os.Stat(s.path); err != nil {
			return cabinet.IOError(err)
		}
	}
	if mode.Has(cabinet.Truncate) {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cabinet.IOError(err)
		}
	}
	bopt := *bbolt.DefaultOptions
	bopt.ReadOnly = !mode.Has(cabinet.Writer)
	bopt.FreelistType = bbolt.FreelistMapType
	bopt.Timeout = timeout
	if mode.Has(cabinet.LockNonBlocking) {
		bopt.Timeout = 10 * time.Millisecond
	}
	bdb, err := bbolt.Open(s.path, 0o644, &bopt)
	if err != nil {
		return boltErr(err)
	}
	if mode.Has(cabinet.Writer) {
		err = bdb.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(recordsBucket)
			return err
		})
		if err != nil {
			bdb.Close()
			return boltErr(err)
		}
	}
	s.bdb = bdb
	s.mode = mode &^ (cabinet.Create | cabinet.Truncate)
	return nil
}

func boltErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bbolt.ErrTimeout):
		return cabinet.ErrLocked
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrVersionMismatch), errors.Is(err, bbolt.ErrChecksum):
		return cabinet.DataErrorf(nil, 0, err, "bad bolt file")
	case errors.Is(err, bbolt.ErrDatabaseReadOnly), errors.Is(err, bbolt.ErrTxNotWritable):
		return cabinet.ErrReadOnly
	default:
		return cabinet.IOError(err)
	}
}

// view runs fn in the open transaction, or in a new read transaction.
// Errors returned by fn come back unchanged; only Bolt's own are mapped.
func (s *boltStorage) view(fn func(b *bbolt.Bucket) error) error {
	if s.tx != nil {
		return fn(s.tx.Bucket(recordsBucket))
	}
	var ferr error
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			ferr = cabinet.DataErrorf(nil, 0, nil, "bolt file has no records bucket")
		} else {
			ferr = fn(b)
		}
		return ferr
	})
	if ferr != nil {
		return ferr
	}
	return boltErr(err)
}

// update is view for writes. Bolt calls inside fn map their own errors.
func (s *boltStorage) update(fn func(b *bbolt.Bucket) error) error {
	if s.tx != nil {
		return fn(s.tx.Bucket(recordsBucket))
	}
	var ferr error
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		ferr = fn(tx.Bucket(recordsBucket))
		return ferr
	})
	if ferr != nil {
		return ferr
	}
	return boltErr(err)
}

func (s *boltStorage) Get(pk []byte) ([]byte, error) {
	var rec []byte
	err := s.view(func(b *bbolt.Bucket) error {
		rec = cabinet.Clone(b.Get(pk))
		return nil
	})
	return rec, err
}

func (s *boltStorage) Put(pk, rec []byte) error {
	return s.update(func(b *bbolt.Bucket) error {
		return boltErr(b.Put(cabinet.Clone(pk), rec))
	})
}

func (s *boltStorage) Delete(pk []byte) (bool, error) {
	var found bool
	err := s.update(func(b *bbolt.Bucket) error {
		if found = b.Get(pk) != nil; !found {
			return nil
		}
		return boltErr(b.Delete(pk))
	})
	return found, err
}

func (s *boltStorage) Scan(fn func(pk, rec []byte) error) error {
	return s.view(func(b *bbolt.Bucket) error {
		return b.ForEach(fn)
	})
}

func (s *boltStorage) Rnum() int64 {
	var n int
	s.view(func(b *bbolt.Bucket) error {
		n = b.Stats().KeyN
		return nil
	})
	return int64(n)
}

func (s *boltStorage) Size() int64 {
	var size int64
	if s.tx != nil {
		return s.tx.Size()
	}
	s.bdb.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

func (s *boltStorage) Begin() error {
	if s.tx != nil {
		return cabinet.ErrTranActive
	}
	tx, err := s.bdb.Begin(true)
	if err != nil {
		return boltErr(err)
	}
	s.tx = tx
	return nil
}

func (s *boltStorage) Commit() error {
	if s.tx == nil {
		return cabinet.ErrNoTran
	}
	tx := s.tx
	s.tx = nil
	return boltErr(tx.Commit())
}

func (s *boltStorage) Rollback() error {
	if s.tx == nil {
		return cabinet.ErrNoTran
	}
	tx := s.tx
	s.tx = nil
	err := tx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return boltErr(err)
}

func (s *boltStorage) Sync() error {
	return boltErr(s.bdb.Sync())
}

func (s *boltStorage) Vanish() error {
	return s.update(func(b *bbolt.Bucket) error {
		tx := b.Tx()
		if err := tx.DeleteBucket(recordsBucket); err != nil {
			return boltErr(err)
		}
		_, err := tx.CreateBucket(recordsBucket)
		return boltErr(err)
	})
}

// Copy writes the last committed state to dest.
func (s *boltStorage) Copy(dest string) error {
	return boltErr(s.bdb.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(dest, 0o644)
	}))
}

// Optimize compacts the file into a fresh one and swaps it in.
func (s *boltStorage) Optimize() error {
	if s.tx != nil {
		return fmt.Errorf("%w: optimize inside a transaction", cabinet.ErrInvalidState)
	}
	tmpPath := s.path + ".tmp"
	os.Remove(tmpPath)
	dst, err := bbolt.Open(tmpPath, 0o644, &bbolt.Options{FreelistType: bbolt.FreelistMapType})
	if err != nil {
		return boltErr(err)
	}
	err = bbolt.Compact(dst, s.bdb, 1<<20)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return boltErr(err)
	}
	if err := s.bdb.Close(); err != nil {
		os.Remove(tmpPath)
		return boltErr(err)
	}
	renameErr := os.Rename(tmpPath, s.path)
	if renameErr != nil {
		os.Remove(tmpPath)
	}
	if err := s.open(0); err != nil {
		return err
	}
	return cabinet.IOError(renameErr)
}

func (s *boltStorage) Close() error {
	var err error
	if s.tx != nil {
		err = s.Rollback()
	}
	if cerr := s.bdb.Close(); err == nil {
		err = boltErr(cerr)
	}
	return err
}

// isBoltFile checks for the magic number of a Bolt meta page.
func isBoltFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var buf [20]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(buf[16:]) == boltMagic
}

// Package store persists transactions and their latest delivery outcome in a
// bbolt database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/example/document-delivery/internal/models"
)

var (
	bucketTransactions = []byte("transactions")
	bucketResults      = []byte("delivery_results")
)

// ErrNotFound is returned when no transaction exists for a reference.
var ErrNotFound = errors.New("store: transaction not found")

// Store is a bbolt backed transaction store.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path. timeout bounds the wait for
// the file lock held by another process.
func Open(path string, timeout time.Duration, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTransactions, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{db: db, logger: logger.With().Str("component", "store").Str("path", path).Logger()}
	s.logger.Info().Msg("transaction store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces txn.
func (s *Store) Put(ctx context.Context, txn *models.Transaction) error {
	if txn == nil {
		return errors.New("store: transaction is required")
	}
	ref := strings.TrimSpace(txn.Reference)
	if ref == "" {
		return errors.New("store: transaction reference is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", ref, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).Put([]byte(ref), data)
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", ref, err)
	}
	s.logger.Debug().Str("reference", ref).Msg("transaction stored")
	return nil
}

// FindTransactionByReference returns the transaction stored under reference
// or ErrNotFound.
func (s *Store) FindTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var txn models.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTransactions).Get([]byte(reference))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// List returns every stored transaction ordered by reference.
func (s *Store) List(ctx context.Context) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*models.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(k, v []byte) error {
			var txn models.Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, &txn)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Delete removes reference and its recorded result. Deleting a missing
// reference is not an error.
func (s *Store) Delete(_ context.Context, reference string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTransactions).Delete([]byte(reference)); err != nil {
			return err
		}
		return tx.Bucket(bucketResults).Delete([]byte(reference))
	})
}

// RecordResult stores the latest delivery outcome for its reference.
func (s *Store) RecordResult(_ context.Context, res models.DeliveryResult) error {
	if res.Reference == "" {
		return errors.New("store: result reference is required")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(res.Reference), data)
	})
}

// LastResult returns the latest recorded delivery outcome for reference.
func (s *Store) LastResult(_ context.Context, reference string) (models.DeliveryResult, error) {
	var res models.DeliveryResult
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResults).Get([]byte(reference))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &res)
	})
	return res, err
}

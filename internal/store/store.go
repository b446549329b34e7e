// Package store persists the points replicas obtain from finished polynomial
// rounds, so a refresh or recovery point survives a restart of the replica.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto/vss"
)

// FileName is the name of the file bbolt writes to.
const FileName = "cobra.db"

// OpenPerm is the permission the database file is created with.
const OpenPerm = 0660

var (
	// ErrNotFound is returned when no point is stored for a round or context.
	ErrNotFound = errors.New("store: no point stored")
	// ErrEmptyKey is returned for empty round or context identifiers.
	ErrEmptyKey = errors.New("store: empty identifier")
)

var roundsBucket = []byte("rounds")

// Store keeps one bucket per round, holding the point of every context of
// that round keyed by context id.
type Store struct {
	db     *bolt.DB
	scheme vss.Scheme

	log log.Logger
}

// New opens, creating it if needed, the database in folder. Points are
// decoded with scheme.
func New(ctx context.Context, l log.Logger, folder string, scheme vss.Scheme, opts *bolt.Options) (*Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	db, err := bolt.Open(path.Join(folder, FileName), OpenPerm, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roundsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:     db,
		scheme: scheme,
		log:    l.Named("store"),
	}, nil
}

// Put stores the points of a round, one per context id. Points already stored
// for the same round and context are overwritten.
func (s *Store) Put(ctx context.Context, round string, points map[string]*vss.VerifiableShare) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if round == "" {
		return ErrEmptyKey
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(roundsBucket).CreateBucketIfNotExists([]byte(round))
		if err != nil {
			return err
		}
		for id, vs := range points {
			if id == "" {
				return ErrEmptyKey
			}
			buff, err := vs.MarshalBinary()
			if err != nil {
				return fmt.Errorf("store: encoding point of %s/%s: %w", round, id, err)
			}
			if err := bucket.Put([]byte(id), buff); err != nil {
				s.log.Debugw("storing point", "round", round, "context", id, "err", err)
				return err
			}
		}
		return nil
	})
}

// Get returns the point stored for a context of a round.
func (s *Store) Get(ctx context.Context, round, id string) (*vss.VerifiableShare, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var vs *vss.VerifiableShare
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roundsBucket).Bucket([]byte(round))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var err error
		vs, err = vss.UnmarshalShare(s.scheme, v)
		return err
	})
	return vs, err
}

// Round returns every point stored for a round.
func (s *Store) Round(ctx context.Context, round string) (map[string]*vss.VerifiableShare, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out := make(map[string]*vss.VerifiableShare)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roundsBucket).Bucket([]byte(round))
		if bucket == nil {
			return ErrNotFound
		}
		return bucket.ForEach(func(k, v []byte) error {
			vs, err := vss.UnmarshalShare(s.scheme, v)
			if err != nil {
				return err
			}
			out[string(k)] = vs
			return nil
		})
	})
	return out, err
}

// Rounds lists the stored rounds in lexical order.
func (s *Store) Rounds(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roundsBucket).ForEach(func(k, v []byte) error {
			// nested buckets have a nil value
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

// Del removes a round and its points. Deleting a missing round is not an
// error.
func (s *Store) Del(ctx context.Context, round string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(roundsBucket).DeleteBucket([]byte(round))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// SaveTo writes a consistent copy of the database to w.
func (s *Store) SaveTo(ctx context.Context, w io.Writer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// Close closes the database.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		s.log.Errorw("closing store", "err", err)
	}
	return err
}

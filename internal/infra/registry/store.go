package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"agentd/internal/domain"
)

var (
	bucketRegistrations = []byte("registrations")

	// ErrStoreClosed is returned by any operation after Close.
	ErrStoreClosed = errors.New("registry store is closed")
)

// Store persists server registrations. Every mutation is flushed before the
// call returns, so a restart never forgets a registration.
type Store struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	closed bool
}

// OpenStore opens or creates the registry database.
func OpenStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("registry store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure registry dir: %w", err)
	}
	options := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(trimmed, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRegistrations)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure registry schema: %w", err)
	}
	return &Store{db: db, path: trimmed}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Put upserts one registration by name.
func (s *Store) Put(reg domain.ServerRegistration) error {
	if strings.TrimSpace(reg.Name) == "" {
		return fmt.Errorf("registration name is required")
	}
	raw, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistrations).Put([]byte(reg.Name), raw)
	})
}

// Get loads one registration.
func (s *Store) Get(name string) (domain.ServerRegistration, bool, error) {
	var reg domain.ServerRegistration
	found := false
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRegistrations).Get([]byte(name))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &reg); err != nil {
			return fmt.Errorf("decode registration %q: %w", name, err)
		}
		found = true
		return nil
	})
	return reg, found, err
}

// List returns every registration ordered by name.
func (s *Store) List() ([]domain.ServerRegistration, error) {
	var regs []domain.ServerRegistration
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistrations).ForEach(func(key, raw []byte) error {
			var reg domain.ServerRegistration
			if err := json.Unmarshal(raw, &reg); err != nil {
				return fmt.Errorf("decode registration %q: %w", string(key), err)
			}
			regs = append(regs, reg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs, nil
}

// Delete removes one registration; deleting an unknown name is a no-op.
func (s *Store) Delete(name string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistrations).Delete([]byte(name))
	})
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Store persists the queue document. Update applies fn to the current
// document and saves the result atomically; if fn returns an error nothing is
// written.
type Store interface {
	Load(ctx context.Context) (Queue, error)
	Update(ctx context.Context, fn func(*Queue) error) error
}

const lockRetry = 20 * time.Millisecond

// FileStore keeps the queue as a JSON file. Updates hold an advisory lock on
// <path>.lock, so the daemon and one-shot commands can share the file.
type FileStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) Update(ctx context.Context, fn func(*Queue) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("lock queue file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock queue file: %w", ctx.Err())
	}
	defer s.lock.Unlock()

	q, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(&q); err != nil {
		return err
	}
	return s.write(q)
}

// read treats a missing file as an empty queue.
func (s *FileStore) read() (Queue, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Queue{}, nil
	}
	if err != nil {
		return Queue{}, fmt.Errorf("read queue file: %w", err)
	}
	var q Queue
	if err := json.Unmarshal(b, &q); err != nil {
		return Queue{}, fmt.Errorf("parse queue file %s: %w", s.path, err)
	}
	return q, nil
}

func (s *FileStore) write(q Queue) error {
	if q.Entries == nil {
		q.Entries = []Entry{}
	}
	b, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

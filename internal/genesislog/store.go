package genesislog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotReady is returned while the store is still waiting for the log
	// file to appear.
	ErrNotReady = errors.New("genesis log not ready")

	// ErrUnavailable is returned once the store has given up waiting for the
	// log file. Only a restart clears it.
	ErrUnavailable = errors.New("genesis log unavailable")
)

// State describes whether the store has loaded the log file.
type State int

const (
	StateWaiting State = iota
	StateReady
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return "waiting"
	}
}

// Options controls how long the store waits for the log file at startup.
type Options struct {
	RetryInterval time.Duration // default 1s
	MaxRetries    int           // default 30
}

// Store owns the genesis log file handle and its cached content hash.
//
// All appends are serialised by mu. The hash is updated while the write lock
// is held, so readers never observe a hash that does not match a fully
// written file.
type Store struct {
	path   string
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	f       *os.File
	hasher  hash.Hash
	size    int64
	hash    string
	entries int
	state   State
	// set when the file did not end in a newline at load time
	needsNewline bool

	onState func(State)
	settled chan struct{}
}

// NewStore creates a Store for the log at path. Call Open before use.
func NewStore(path string, opts Options, logger *zap.Logger) *Store {
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 30
	}
	return &Store{
		path:    path,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		settled: make(chan struct{}),
	}
}

// SetStateHook registers fn to be called on every state change.
// It must be called before Open.
func (s *Store) SetStateHook(fn func(State)) {
	s.onState = fn
}

// Open loads and hashes the log. If the file does not exist yet, Open starts
// a background wait (bounded by Options) and returns nil: the store runs
// degraded, with appends and hashes unavailable, until the file appears.
// Any other error is returned.
func (s *Store) Open(ctx context.Context) error {
	err := s.load()
	if err == nil {
		close(s.settled)
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		close(s.settled)
		return err
	}

	s.logger.Warn("genesis log not found yet, will retry",
		zap.String("path", s.path),
		zap.Duration("interval", s.opts.RetryInterval),
		zap.Int("max_retries", s.opts.MaxRetries),
	)
	go s.waitForLog(ctx)
	return nil
}

// Settled is closed once the store has either loaded the log or given up.
func (s *Store) Settled() <-chan struct{} {
	return s.settled
}

// load opens the log file and hashes its full content.
func (s *Store) load() error {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("open genesis log: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f != nil {
		f.Close()
		return nil
	}
	s.f = f
	if err := s.rehashLocked(); err != nil {
		s.f = nil
		f.Close()
		return err
	}
	s.setStateLocked(StateReady)

	s.logger.Info("genesis log loaded",
		zap.String("path", s.path),
		zap.Int("entries", s.entries),
		zap.String("hash", s.hash),
	)
	return nil
}

// rehashLocked recomputes the hash from the full file content.
func (s *Store) rehashLocked() error {
	st, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat genesis log: %w", err)
	}
	data, err := io.ReadAll(io.NewSectionReader(s.f, 0, st.Size()))
	if err != nil {
		return fmt.Errorf("read genesis log: %w", err)
	}

	h := sha256.New()
	h.Write(data)
	s.hasher = h
	s.size = int64(len(data))
	s.hash = hex.EncodeToString(h.Sum(nil))
	s.entries = countLines(data)
	s.needsNewline = len(data) > 0 && data[len(data)-1] != '\n'
	return nil
}

func (s *Store) setStateLocked(st State) {
	s.state = st
	if s.onState != nil {
		s.onState(st)
	}
}

// Append writes an entry of the given type to the end of the log, syncs it
// to disk, and updates the cached hash. The timestamp is assigned here.
func (s *Store) Append(_ context.Context, typ Type, payload string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		if s.state == StateUnavailable {
			return nil, ErrUnavailable
		}
		return nil, ErrNotReady
	}

	entry := &Entry{Type: typ, Payload: payload, Timestamp: s.now().UTC()}
	line, err := encodeEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	if s.needsNewline {
		line = append([]byte{'\n'}, line...)
	}

	if _, err := s.f.Write(line); err != nil {
		// A short write may have left bytes behind; keep the hash honest.
		if rerr := s.rehashLocked(); rerr != nil {
			s.logger.Error("rehash after failed append", zap.Error(rerr))
		}
		return nil, fmt.Errorf("write genesis log: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		if rerr := s.rehashLocked(); rerr != nil {
			s.logger.Error("rehash after failed sync", zap.Error(rerr))
		}
		return nil, fmt.Errorf("sync genesis log: %w", err)
	}

	st, err := s.f.Stat()
	if err == nil && st.Size() == s.size+int64(len(line)) {
		s.hasher.Write(line)
		s.size += int64(len(line))
		s.hash = hex.EncodeToString(s.hasher.Sum(nil))
		s.entries++
		s.needsNewline = false
	} else {
		// Someone else touched the file; fall back to hashing all of it.
		s.logger.Warn("genesis log size mismatch, rehashing full file", zap.String("path", s.path))
		if err := s.rehashLocked(); err != nil {
			return nil, err
		}
	}

	s.logger.Info("genesis entry appended",
		zap.String("type", string(typ)),
		zap.Int("entries", s.entries),
		zap.String("hash", s.hash),
	)
	return entry, nil
}

// CurrentHash returns the hash of the full log content as of the most recent
// append. ok is false until the log has been loaded.
func (s *Store) CurrentHash() (hash string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.f == nil {
		return "", false
	}
	return s.hash, true
}

// Raw returns the literal bytes of the log. A missing file yields an empty
// slice rather than an error.
func (s *Store) Raw() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read genesis log: %w", err)
	}
	return data, nil
}

// ReadAll returns every record in the log in append order.
func (s *Store) ReadAll() ([]Record, error) {
	data, err := s.Raw()
	if err != nil {
		return nil, err
	}
	return ParseTranscript(data), nil
}

// Len returns the number of non-blank lines in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

// State reports whether the log has been loaded.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Path returns the log file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the file handle. The log file itself is left in place.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

package storedmap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/storedmap/internal/nametranslate"
	"github.com/edirooss/storedmap/internal/persister"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*Store{}
)

// Store is the process-wide handle for one backing driver + application
// code combination (spec.md §3 "Store"). GetStore returns the same
// instance for identical Configs; Close drains the persister and
// closes the driver exactly once.
type Store struct {
	log        *zap.Logger
	driver     Driver
	appCode    string
	translator *nametranslate.Translator
	persister  *persister.Persister

	mu         sync.Mutex
	categories map[string]*Category
	closed     bool

	registryKey string

	closeOnce sync.Once
	closeErr  error
}

// GetStore returns the Store for cfg, constructing one against driver
// and opts if this is the first request for this exact configuration.
// driver is assumed already opened (openConnection, in spec.md §6
// terms, is the caller's responsibility — idiomatic Go favors an
// explicit constructor over a config-driven driver registry).
func GetStore(cfg Config, driver Driver, opts Options) (*Store, error) {
	if driver == nil {
		return nil, fmt.Errorf("%w: nil driver", ErrConfiguration)
	}

	key := cfg.key() + "\x01" + opts.applicationCode()

	registryMu.Lock()
	defer registryMu.Unlock()

	if s, ok := registry[key]; ok {
		return s, nil
	}

	s, err := newStore(key, driver, opts)
	if err != nil {
		return nil, err
	}
	registry[key] = s
	return s, nil
}

func newStore(registryKey string, driver Driver, opts Options) (*Store, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	appCode := opts.applicationCode()
	limits := driver.Limits()
	if limits.MaxIndexNameLen <= 0 {
		return nil, fmt.Errorf("%w: driver reported non-positive MaxIndexNameLen", ErrConfiguration)
	}

	dirAdapter := &driverDirectoryAdapter{driver: driver}
	translator := nametranslate.New(dirAdapter, appCode, limits.MaxIndexNameLen)

	p := persister.New(log, driver, persister.Options{
		LeaseTTL:        opts.LeaseTTL,
		CoalesceDelay:   opts.CoalesceDelay,
		RescheduleDelay: opts.RescheduleDelay,
		PoolSize:        opts.WorkerPoolSize,
		ErrorHandler:    opts.ErrorHandler,
	})

	return &Store{
		log:         log.Named("store"),
		driver:      driver,
		appCode:     appCode,
		translator:  translator,
		persister:   p,
		categories:  make(map[string]*Category),
		registryKey: registryKey,
	}, nil
}

// Category returns the named Category, deriving and persisting its
// internal index name on first use (spec.md §4.2). locales is the
// category's ordered collation locale list; it is only consulted the
// first time name is seen by this Store instance.
func (s *Store) Category(ctx context.Context, name string, locales ...string) (*Category, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if c, ok := s.categories[name]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	internalIndex, err := s.translator.InternalIndex(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("storedmap: resolve category %q: %w", name, err)
	}

	c := newCategory(s, name, internalIndex, locales)

	s.mu.Lock()
	if existing, ok := s.categories[name]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.categories[name] = c
	s.mu.Unlock()

	return c, nil
}

// Close drains the persister (spec.md §4.5.3) and closes the driver.
// Safe to call more than once; only the first call does work.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		registryMu.Lock()
		delete(registry, s.registryKey)
		registryMu.Unlock()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if err := s.persister.Stop(ctx); err != nil {
			s.closeErr = fmt.Errorf("storedmap: drain persister: %w", err)
		}
		if err := s.driver.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("storedmap: close driver: %w", err)
		}
	})
	return s.closeErr
}

// driverDirectoryAdapter adapts the async-callback Driver into the
// synchronous nametranslate.DirectoryStore the name translator needs
// for its directory index (which only ever needs a handful of blocking
// calls guarded by its own lease, never the coalescing write path).
type driverDirectoryAdapter struct {
	driver Driver
}

func (a *driverDirectoryAdapter) Get(ctx context.Context, key, index string) ([]byte, error) {
	return a.driver.Get(ctx, key, index)
}

func (a *driverDirectoryAdapter) PutSync(ctx context.Context, key, index string, data []byte) error {
	done := make(chan error, 1)
	a.driver.Put(ctx, key, index, data,
		func(err error) { done <- err },
		func() {},
	)
	return <-done
}

func (a *driverDirectoryAdapter) TryLock(ctx context.Context, key, index string, ttl time.Duration) (int64, error) {
	return a.driver.TryLock(ctx, key, index, ttl)
}

func (a *driverDirectoryAdapter) Unlock(ctx context.Context, key, index string) error {
	return a.driver.Unlock(ctx, key, index)
}

func (a *driverDirectoryAdapter) List(ctx context.Context, index string) ([]string, error) {
	it := a.driver.List(ctx, index, ListOptions{})
	defer it.Close()

	var out []string
	for it.Next(ctx) {
		out = append(out, it.Key())
	}
	return out, it.Err()
}

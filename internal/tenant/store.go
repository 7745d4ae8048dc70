package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"postrobot/internal/storage"
	logx "postrobot/pkg/logx"
)

// Store loads and saves tenant configs. Every Load/Save/Update for one shop
// runs under that shop's mutex and the backend's write lease, so a
// read-modify-write never interleaves with another writer, in this process
// or in another one sharing the backend.
type Store struct {
	st  storage.Store
	log logx.Logger

	locks KeyedMutex
}

func NewStore(st storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{st: st, log: log.With(logx.String("comp", "tenant"))}
}

// Backend exposes the underlying document store.
func (s *Store) Backend() storage.Store { return s.st }

// List returns every known shop.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.st.ListShops(ctx)
}

// Load returns the normalized config of shop. A shop without a stored
// document gets the defaults, which are persisted on first load. A
// document that needed migration is written back once.
func (s *Store) Load(ctx context.Context, shop string) (Config, error) {
	shop = strings.TrimSpace(shop)
	if shop == "" {
		return Config{}, ErrMissingShop
	}
	unlock, err := s.lock(ctx, shop)
	if err != nil {
		return Config{}, err
	}
	defer unlock()
	cfg, _, err := s.load(ctx, shop)
	return cfg, err
}

// Save normalizes cfg and replaces the stored document.
func (s *Store) Save(ctx context.Context, cfg Config) error {
	shop := strings.TrimSpace(cfg.ShopDomain)
	if shop == "" {
		return ErrMissingShop
	}
	unlock, err := s.lock(ctx, shop)
	if err != nil {
		return err
	}
	defer unlock()
	cfg.ShopDomain = shop
	_, err = s.save(ctx, cfg)
	return err
}

// Update loads shop, applies fn and saves the result when fn returns nil and
// the document actually changed. The returned config is the stored state.
func (s *Store) Update(ctx context.Context, shop string, fn func(*Config) error) (Config, error) {
	shop = strings.TrimSpace(shop)
	if shop == "" {
		return Config{}, ErrMissingShop
	}
	unlock, err := s.lock(ctx, shop)
	if err != nil {
		return Config{}, err
	}
	defer unlock()

	cfg, before, err := s.load(ctx, shop)
	if err != nil {
		return Config{}, err
	}
	if err := fn(&cfg); err != nil {
		return Config{}, err
	}
	cfg.ShopDomain = shop
	cfg.Normalize()
	after, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, err
	}
	if bytes.Equal(before, after) {
		return cfg, nil
	}
	if err := s.st.PutConfig(ctx, shop, after); err != nil {
		return Config{}, fmt.Errorf("save %s: %w", shop, err)
	}
	return cfg, nil
}

type heldKey struct{ shop string }

// Hold runs fn while holding the write lock of shop. Load, Save and Update
// on shop made with the context passed to fn reuse the held lock, so a
// whole attempt (read, call out, write back) is one critical section.
func (s *Store) Hold(ctx context.Context, shop string, fn func(ctx context.Context) error) error {
	shop = strings.TrimSpace(shop)
	if shop == "" {
		return ErrMissingShop
	}
	unlock, err := s.lock(ctx, shop)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(context.WithValue(ctx, heldKey{shop}, s))
}

func (s *Store) lock(ctx context.Context, shop string) (func(), error) {
	if owner, _ := ctx.Value(heldKey{shop}).(*Store); owner == s {
		return func() {}, nil
	}
	unlock := s.locks.Lock(shop)
	release, err := s.st.LockShop(ctx, shop)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("lock %s: %w", shop, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// load returns the config plus its canonical encoding.
func (s *Store) load(ctx context.Context, shop string) (Config, []byte, error) {
	data, err := s.st.GetConfig(ctx, shop)
	if errors.Is(err, storage.ErrNotFound) {
		cfg := Default(shop)
		cfg.Normalize()
		b, err := s.save(ctx, cfg)
		if err != nil {
			return Config{}, nil, err
		}
		s.log.Info("tenant created", logx.Shop(shop))
		return cfg, b, nil
	}
	if err != nil {
		return Config{}, nil, fmt.Errorf("load %s: %w", shop, err)
	}
	cfg, changed, err := Decode(shop, data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("decode %s: %w", shop, err)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	if changed {
		if err := s.st.PutConfig(ctx, shop, b); err != nil {
			return Config{}, nil, fmt.Errorf("save migrated %s: %w", shop, err)
		}
		s.log.Debug("tenant config normalized", logx.Shop(shop))
	}
	return cfg, b, nil
}

func (s *Store) save(ctx context.Context, cfg Config) ([]byte, error) {
	cfg.Normalize()
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.st.PutConfig(ctx, cfg.ShopDomain, b); err != nil {
		return nil, fmt.Errorf("save %s: %w", cfg.ShopDomain, err)
	}
	return b, nil
}

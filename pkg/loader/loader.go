// Package loader resolves a policy reference — a store id or a file path —
// to a parsed policy, with caching and self-healing fixture seeding.
package loader

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mennes303/gdpr-art5-engine/pkg/errs"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
	"github.com/Mennes303/gdpr-art5-engine/pkg/store"
)

// PolicyStore is the slice of the policy table the loader needs.
type PolicyStore interface {
	Read(ctx context.Context, id int64) (string, error)
	Seed(ctx context.Context, id int64, uid, body string) error
}

// Loader caches parsed policies by reference key. Entries are written once
// and never invalidated: policy mutation is administrative, not in the
// request hot path, and stale reads are acceptable.
type Loader struct {
	store      PolicyStore
	raw        store.Cache
	ttl        time.Duration
	fixtureDir string
	parsed     sync.Map // ref -> *models.Policy
}

func New(ps PolicyStore, raw store.Cache, fixtureDir string, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Loader{store: ps, raw: raw, ttl: ttl, fixtureDir: fixtureDir}
}

// Load resolves ref. A numeric ref is a store id, anything else a file path.
func (l *Loader) Load(ctx context.Context, ref string) (*models.Policy, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.Validationf("policy reference is required")
	}
	if cached, ok := l.parsed.Load(ref); ok {
		return cached.(*models.Policy), nil
	}
	var (
		pol *models.Policy
		err error
	)
	if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		pol, err = l.loadByID(ctx, id)
	} else {
		pol, err = l.loadFromFile(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	l.parsed.Store(ref, pol)
	return pol, nil
}

// loadByID tries the store first and, on NotFound, falls back to the
// well-known fixture location, seeding the store so the next load hits it.
func (l *Loader) loadByID(ctx context.Context, id int64) (*models.Policy, error) {
	body, err := l.store.Read(ctx, id)
	if err == nil {
		return models.ParsePolicy([]byte(body))
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	path := filepath.Join(l.fixtureDir, "policy-"+strconv.FormatInt(id, 10)+".json")
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, errs.ErrNotFound
	}
	pol, parseErr := models.ParsePolicy(raw)
	if parseErr != nil {
		return nil, parseErr
	}
	if seedErr := l.store.Seed(ctx, id, pol.UID, string(raw)); seedErr != nil {
		return nil, seedErr
	}
	return pol, nil
}

// loadFromFile parses a policy file and, when the filename encodes a numeric
// id (policy-<id>.json), seeds the store idempotently.
func (l *Loader) loadFromFile(ctx context.Context, path string) (*models.Policy, error) {
	raw, err := l.readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	pol, err := models.ParsePolicy(raw)
	if err != nil {
		return nil, err
	}
	if id, ok := idFromFilename(path); ok {
		if err := l.store.Seed(ctx, id, pol.UID, string(raw)); err != nil {
			return nil, err
		}
	}
	return pol, nil
}

func (l *Loader) readFile(ctx context.Context, path string) ([]byte, error) {
	key := "policy:file:" + path
	if l.raw != nil {
		if body, err := l.raw.Get(ctx, key); err == nil {
			return []byte(body), nil
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Storage("read policy file", err)
	}
	if l.raw != nil {
		_ = l.raw.Set(ctx, key, string(raw), l.ttl)
	}
	return raw, nil
}

func idFromFilename(path string) (int64, bool) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(stem, "-")
	if idx < 0 || idx == len(stem)-1 {
		return 0, false
	}
	id, err := strconv.ParseInt(stem[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/messenger/mock"
	"github.com/kiranshivaraju/relaycopy/internal/session"
	storemock "github.com/kiranshivaraju/relaycopy/internal/store/mock"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
	"github.com/stretchr/testify/require"
)

// memCache is a map-backed cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memCache) Ping(_ context.Context) error { return nil }
func (m *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

type fixture struct {
	pool  *session.Pool
	store *storemock.Store
	net   *mock.Network
	cache *memCache
	vault *session.Vault
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storemock.New()
	net := mock.NewNetwork()
	mc := newMemCache()
	vault, err := session.NewVault(t.TempDir(), "")
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.Now = clk.Now

	pool := session.NewPool(st, st, mc, net, vault, session.DefaultConfig())
	pool.Now = clk.Now
	return &fixture{pool: pool, store: st, net: net, cache: mc, vault: vault, clock: clk}
}

func testIdentity() session.Identity {
	return session.Identity{
		OwnerID: uuid.MustParse("6f1c2d3e-0000-4000-8000-000000000001"),
		Phone:   "+15550001111",
		AppID:   12345,
		AppHash: "0123456789abcdef",
	}
}

// seedSession persists an authorized session for id last used at lastUsed.
func (f *fixture) seedSession(t *testing.T, id session.Identity, lastUsed time.Time) {
	t.Helper()
	require.NoError(t, f.store.CreateSession(context.Background(), &models.Session{
		IdentityKey: id.Key(),
		OwnerID:     id.OwnerID,
		Phone:       id.Phone,
		AppID:       id.AppID,
		AppHash:     id.AppHash,
		Credentials: []byte("persisted-blob"),
		Active:      true,
		CreatedAt:   lastUsed,
		LastUsedAt:  lastUsed,
	}))
}

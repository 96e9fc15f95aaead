package copier_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/copier"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/internal/messenger/mock"
	storemock "github.com/kiranshivaraju/relaycopy/internal/store/mock"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
	"github.com/stretchr/testify/require"
)

const (
	sourceID  int64 = 100
	source2ID int64 = 101
	targetID  int64 = 200
)

var ownerID = uuid.MustParse("0a4f3b52-0000-4000-8000-00000000000a")

type fakeSessions struct {
	mu          sync.Mutex
	client      messenger.Client
	err         error
	invalidated []uuid.UUID
}

func (f *fakeSessions) ConnectionForOwner(_ context.Context, _ uuid.UUID) (messenger.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func (f *fakeSessions) InvalidateOwner(ctx context.Context, owner uuid.UUID) error {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, owner)
	c := f.client
	f.mu.Unlock()
	if c != nil {
		return c.Disconnect(ctx)
	}
	return nil
}

// swap makes later ConnectionForOwner calls return c, as the pool does after
// rebuilding a client.
func (f *fakeSessions) swap(c messenger.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.client = c
}

func (f *fakeSessions) Invalidated() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.invalidated...)
}

// sleeper records every sleep and returns at once.
type sleeper struct {
	mu     sync.Mutex
	slept  []time.Duration
	onWait func(d time.Duration)
}

func (s *sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	hook := s.onWait
	s.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (s *sleeper) Slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

type fixture struct {
	orch     *copier.Orchestrator
	store    *storemock.Store
	net      *mock.Network
	client   *mock.Client
	sessions *fakeSessions
	sleeper  *sleeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	net := mock.NewNetwork()
	net.AddChannel(sourceID, "source", "Source")
	net.AddChannel(source2ID, "source2", "Second source")
	net.AddChannel(targetID, "target", "Target")

	c := dialConnected(t, net)

	st := storemock.New()
	sess := &fakeSessions{client: c}
	sl := &sleeper{}

	cfg := copier.DefaultConfig()
	orch := copier.New(st, sess, cfg)
	orch.Sleep = sl.Sleep
	orch.Jitter = func() time.Duration { return 0 }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &fixture{
		orch:     orch,
		store:    st,
		net:      net,
		client:   c,
		sessions: sess,
		sleeper:  sl,
	}
}

func dialConnected(t *testing.T, net *mock.Network) *mock.Client {
	t.Helper()
	c, err := net.Dial(messenger.Credentials{Phone: "+15550002222", AppID: 1, AppHash: "hash", Blob: []byte("blob")})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c.(*mock.Client)
}

// replaceClient simulates the session pool evicting the current client and
// handing out a rebuilt one.
func (f *fixture) replaceClient(t *testing.T) *mock.Client {
	t.Helper()
	next := dialConnected(t, f.net)
	require.NoError(t, f.client.Disconnect(context.Background()))
	f.sessions.swap(next)
	return next
}

// seedHistory appends n text messages to the source chat.
func (f *fixture) seedHistory(n int) {
	for i := 1; i <= n; i++ {
		f.net.AppendHistory(sourceID, messenger.Message{Text: textOf(i)})
	}
}

func textOf(i int) string {
	return fmt.Sprintf("post %d", i)
}

func (f *fixture) createJob(t *testing.T, mode string) *models.Job {
	t.Helper()
	job, err := f.orch.CreateJob(context.Background(), ownerID, copier.JobRequest{
		Source: "@source", Target: "@target", Mode: mode, CopyMedia: true,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func texts(msgs []messenger.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

// status is safe to call from assertion goroutines.
func (f *fixture) status(id uuid.UUID) string {
	j, err := f.store.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return j.Status
}

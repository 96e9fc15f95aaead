package session_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/relaycopy/internal/cache"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/internal/messenger/mock"
	"github.com/kiranshivaraju/relaycopy/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin_CodeFlow(t *testing.T) {
	f := newFixture(t)
	id := testIdentity()
	ctx := context.Background()

	require.NoError(t, f.pool.BeginLogin(ctx, id))
	hash, ok, err := f.cache.Get(ctx, cache.LoginStateKey(id.Key()))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hash-"+id.Phone, string(hash))

	_, err = f.pool.CompleteLogin(ctx, id, "00000")
	assert.ErrorIs(t, err, messenger.ErrInvalidCode)

	user, err := f.pool.CompleteLogin(ctx, id, mock.DefaultCode)
	require.NoError(t, err)
	assert.NotZero(t, user.ID)

	sess, err := f.store.GetSession(ctx, id.Key())
	require.NoError(t, err)
	assert.True(t, sess.Active)
	assert.Equal(t, []byte("session:"+id.Phone), sess.Credentials)
	assert.Equal(t, f.clock.Now(), sess.LastUsedAt)

	blob, err := f.vault.Read(id.Key())
	require.NoError(t, err)
	assert.Equal(t, sess.Credentials, blob)

	_, ok, _ = f.cache.Get(ctx, cache.LoginStateKey(id.Key()))
	assert.False(t, ok, "login state is cleared after success")

	st := f.pool.Status(ctx, id.OwnerID)
	assert.True(t, st.Authorized)
	require.NotNil(t, st.RemoteUserID)
	assert.Equal(t, user.ID, *st.RemoteUserID)
	assert.Equal(t, 1, f.net.Dials(), "login reuses the connection that requested the code")
}

func TestLogin_PasswordFlow(t *testing.T) {
	f := newFixture(t)
	f.net.Password = "hunter2"
	id := testIdentity()
	ctx := context.Background()

	require.NoError(t, f.pool.BeginLogin(ctx, id))

	_, err := f.pool.CompleteLogin(ctx, id, mock.DefaultCode)
	assert.ErrorIs(t, err, messenger.ErrPasswordRequired)

	_, err = f.pool.CompletePassword(ctx, id, "wrong")
	assert.ErrorIs(t, err, messenger.ErrInvalidCode)

	user, err := f.pool.CompletePassword(ctx, id, "hunter2")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)

	_, err = f.store.GetSession(ctx, id.Key())
	assert.NoError(t, err)
}

func TestLogin_WithoutBegin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pool.CompleteLogin(ctx, testIdentity(), mock.DefaultCode)
	assert.ErrorIs(t, err, session.ErrNoPendingLogin)

	_, err = f.pool.CompletePassword(ctx, testIdentity(), "pw")
	assert.ErrorIs(t, err, session.ErrNoPendingLogin)
}

func TestLogin_ConnectionLostBetweenSteps(t *testing.T) {
	f := newFixture(t)
	id := testIdentity()
	ctx := context.Background()

	require.NoError(t, f.pool.BeginLogin(ctx, id))
	f.pool.CloseAll(ctx)

	_, err := f.pool.CompleteLogin(ctx, id, mock.DefaultCode)
	assert.ErrorIs(t, err, session.ErrNoPendingLogin)
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelRef(t *testing.T) {
	tests := []struct {
		in       string
		numeric  bool
		id       int64
		username string
	}{
		{in: "-1001234567890", numeric: true, id: -1001234567890},
		{in: "-123", numeric: true, id: -123},
		{in: "  42 ", numeric: true, id: 42},
		{in: "@news_feed", username: "news_feed"},
		{in: "news_feed", username: "news_feed"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseChannelRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.numeric, ref.IsNumeric())
			assert.Equal(t, tt.id, ref.ID())
			assert.Equal(t, tt.username, ref.Username())
		})
	}
}

func TestParseChannelRef_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "@", "0", "two words"} {
		_, err := ParseChannelRef(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestChannelRef_Alternate(t *testing.T) {
	alt, ok := NumericRef(-123).Alternate()
	require.True(t, ok)
	assert.Equal(t, int64(-1000000000123), alt.ID())

	_, ok = NumericRef(-1000000000123).Alternate()
	assert.False(t, ok, "already in supergroup encoding")

	_, ok = NumericRef(77).Alternate()
	assert.False(t, ok, "positive ids have no alternate")

	_, ok = UsernameRef("chan").Alternate()
	assert.False(t, ok)
}

func TestChannelRef_String(t *testing.T) {
	assert.Equal(t, "@chan", UsernameRef("@chan").String())
	assert.Equal(t, "-55", NumericRef(-55).String())
}

func TestJob_TerminalAndProcessed(t *testing.T) {
	j := &Job{Status: JobStatusRunning, CopiedCount: 7, FailedCount: 2}
	assert.False(t, j.Terminal())
	assert.Equal(t, 9, j.Processed())

	for _, s := range []string{JobStatusCompleted, JobStatusFailed, JobStatusStopped} {
		assert.True(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{JobStatusPending, JobStatusRunning, JobStatusPaused} {
		assert.False(t, IsTerminalStatus(s), s)
	}
}

func TestJob_Snapshot(t *testing.T) {
	msg := "waiting 5s"
	j := &Job{Status: JobStatusRunning, StatusMessage: &msg}
	s := j.Snapshot()
	assert.Equal(t, "waiting 5s", s.StatusMessage)
	assert.Empty(t, s.ErrorMessage)
}

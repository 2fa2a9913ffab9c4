package ratelimit

import (
	"context"
	"testing"
	"time"

	"comment-dm/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastContactUnknown(t *testing.T) {
	tr := New(repo.NewMemory())
	_, ok, err := tr.LastContact(context.Background(), "u1", "a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordContactIsMonotonic(t *testing.T) {
	tr := New(repo.NewMemory())
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, tr.RecordContact(ctx, "u1", "a1", t0))
	require.NoError(t, tr.RecordContact(ctx, "u1", "a1", t0.Add(-time.Hour)))

	last, ok, err := tr.LastContact(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last.Equal(t0))
}

func TestInCooldown(t *testing.T) {
	tr := New(repo.NewMemory())
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, tr.RecordContact(ctx, "u1", "a1", now.Add(-2*time.Hour)))

	cases := []struct {
		name      string
		recipient string
		cooldown  time.Duration
		want      bool
	}{
		{"inside window", "a1", 24 * time.Hour, true},
		{"window elapsed", "a1", time.Hour, false},
		{"no cooldown", "a1", 0, false},
		{"never contacted", "a2", 24 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tr.InCooldown(ctx, "u1", tc.recipient, tc.cooldown, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

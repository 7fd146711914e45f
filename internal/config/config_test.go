package config

import (
	"testing"

	"github.com/bborn/mailassist/internal/db"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(d)
}

func TestDefaults(t *testing.T) {
	c := newTestConfig(t)
	require.Equal(t, 120, c.PollingIntervalSeconds)
	require.Equal(t, 6500, c.MaxContextTokens)
	require.Equal(t, 7, c.ShortThreadK)
	require.Equal(t, 3, c.StandardK)
	require.Equal(t, 0, c.LongThreadK)
	require.Equal(t, 70, c.PriorityThreshold)
	require.Equal(t, 50, c.DraftMinLen)
	require.Equal(t, 2000, c.DraftMaxLen)
}

func TestSetPersistsAcrossReload(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	c := New(d)
	require.NoError(t, c.Set(KeyPriorityThreshold, 85))
	require.Equal(t, 85, c.PriorityThreshold)

	reloaded := New(d)
	require.Equal(t, 85, reloaded.PriorityThreshold)
}

func TestAdaptiveK(t *testing.T) {
	c := newTestConfig(t)
	require.Equal(t, c.ShortThreadK, c.AdaptiveK(0))
	require.Equal(t, c.ShortThreadK, c.AdaptiveK(1))
	require.Equal(t, c.StandardK, c.AdaptiveK(5))
	require.Equal(t, c.LongThreadK, c.AdaptiveK(10))
	require.Equal(t, c.LongThreadK, c.AdaptiveK(25))
}

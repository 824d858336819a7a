package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	doc := Default()
	doc.Token = "abc123"
	doc.ShardCount = 4

	require.NoError(t, Save(path, doc))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", loaded.Token)
	assert.Equal(t, 4, loaded.ShardCount)
	assert.True(t, loaded.Compress)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWatch_PicksUpReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	require.NoError(t, Save(path, Default()))

	w, err := Watch(path, 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()

	updated := Default()
	updated.ShardCount = 7
	require.NoError(t, Save(path, updated))

	select {
	case doc := <-w.Changes:
		assert.Equal(t, 7, doc.ShardCount)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

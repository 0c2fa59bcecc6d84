// ABOUTME: Tests for jarvis-chat credential lookup and attachment loading
// ABOUTME: Uses temp files only; no gateway is started

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0600))

	t.Setenv("JARVIS_TOKEN", "")
	got, err := loadToken("", path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	t.Setenv("JARVIS_TOKEN", "from-env")
	got, err = loadToken("", path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = loadToken("explicit", path)
	require.NoError(t, err)
	assert.Equal(t, "explicit", got)

	t.Setenv("JARVIS_TOKEN", "")
	_, err = loadToken("", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestReadAttachment(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "cat.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0600))
	notes := filepath.Join(dir, "notes")
	require.NoError(t, os.WriteFile(notes, []byte("plain words"), 0600))

	a, err := readAttachment(png)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", a.Filename)
	assert.Equal(t, "image/png", a.MimeType)

	a, err = readAttachment(notes)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", a.MimeType)

	_, err = readAttachment(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

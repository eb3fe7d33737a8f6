package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPagesSplitsOnFormFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.txt")
	require.NoError(t, os.WriteFile(path,
		[]byte("First page text.\f\fThird page text."), 0o644))

	pages, err := readPages(path)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].Number)
	assert.Equal(t, "First page text.", pages[0].Text)
	// Blank parts are skipped but page numbering follows the file.
	assert.Equal(t, 3, pages[1].Number)
}

func TestReadPagesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, []byte("  \n\f  "), 0o644))

	_, err := readPages(path)
	assert.ErrorContains(t, err, "no text content")
}

func TestReadPagesMissingFile(t *testing.T) {
	_, err := readPages(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestVersionCommandShort(t *testing.T) {
	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--short"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dev\n", buf.String())
}

func TestVersionCommandJSON(t *testing.T) {
	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--json"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), `"version": "dev"`)
	assert.Contains(t, buf.String(), `"go_version"`)
}

package safe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "hs_err_pid1.log")
	require.NoError(t, os.WriteFile(regular, []byte("# A fatal error has been detected"), 0o600))
	link := filepath.Join(dir, "link.log")
	require.NoError(t, os.Symlink(regular, link))

	t.Run("regular file", func(t *testing.T) {
		got, err := ReadFile(regular, nil)
		require.NoError(t, err)
		assert.Equal(t, "# A fatal error has been detected", string(got))
	})

	t.Run("symlink rejected by default", func(t *testing.T) {
		_, err := ReadFile(link, nil)
		assert.Error(t, err)
	})

	t.Run("symlink allowed", func(t *testing.T) {
		got, err := ReadFile(link, &ReadOptions{AllowSymlinks: true})
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("oversized rejected", func(t *testing.T) {
		_, err := ReadFile(regular, &ReadOptions{MaxSize: 4})
		assert.Error(t, err)
	})

	t.Run("oversized truncated", func(t *testing.T) {
		got, err := ReadFile(regular, &ReadOptions{MaxSize: 7, Truncate: true})
		require.NoError(t, err)
		assert.Equal(t, "# A fat", string(got))
	})

	t.Run("directory rejected", func(t *testing.T) {
		_, err := ReadFile(dir, nil)
		assert.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(dir, "nope"), nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.False(t, Exists(filepath.Join(dir, "nope")))
		assert.True(t, Exists(regular))
	})
}

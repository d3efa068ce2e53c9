package events

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShannonEntropy(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Zero(t, ShannonEntropy(nil))
	})

	t.Run("single byte value", func(t *testing.T) {
		assert.Zero(t, ShannonEntropy([]byte{7, 7, 7, 7}))
	})

	t.Run("two values evenly split", func(t *testing.T) {
		assert.InDelta(t, 1.0, ShannonEntropy([]byte{0, 1, 0, 1}), 1e-9)
	})

	t.Run("all byte values once", func(t *testing.T) {
		data := make([]byte, 256)
		for i := range data {
			data[i] = byte(i)
		}
		assert.InDelta(t, 8.0, ShannonEntropy(data), 1e-9)
	})

	t.Run("english text is mid range", func(t *testing.T) {
		e := ShannonEntropy([]byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 50)))
		assert.Greater(t, e, 3.0)
		assert.Less(t, e, 5.0)
	})

	t.Run("random bytes are near 8", func(t *testing.T) {
		data := make([]byte, 8192)
		_, err := rand.Read(data)
		require.NoError(t, err)
		assert.Greater(t, ShannonEntropy(data), 7.9)
	})
}

func TestSampleFileEntropy(t *testing.T) {
	dir := t.TempDir()

	t.Run("plaintext file", func(t *testing.T) {
		path := filepath.Join(dir, "notes.txt")
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("lorem ipsum dolor sit amet ", 100)), 0o644))

		e, err := SampleFileEntropy(path)
		require.NoError(t, err)
		assert.Less(t, e, 5.0)
	})

	t.Run("random file", func(t *testing.T) {
		data := make([]byte, 32*1024)
		_, err := rand.Read(data)
		require.NoError(t, err)

		path := filepath.Join(dir, "blob.bin")
		require.NoError(t, os.WriteFile(path, data, 0o644))

		e, err := SampleFileEntropy(path)
		require.NoError(t, err)
		assert.Greater(t, e, 7.5)
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty")
		require.NoError(t, os.WriteFile(path, nil, 0o644))

		e, err := SampleFileEntropy(path)
		require.NoError(t, err)
		assert.Zero(t, e)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := SampleFileEntropy(filepath.Join(dir, "nope"))
		assert.Error(t, err)
	})
}

package fallback

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStores(t *testing.T) {
	stores := map[string]func(t *testing.T) BlobStore{
		"memory": func(t *testing.T) BlobStore { return NewMemoryBlobStore() },
		"bolt": func(t *testing.T) BlobStore {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "fallback.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			_, err := s.Read(ctx, "wi-1")
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.Write(ctx, "wi-1", []byte("first")))
			require.NoError(t, s.Write(ctx, "wi-1", []byte("second")))

			got, err := s.Read(ctx, "wi-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got)

			require.NoError(t, s.Delete(ctx, "wi-1"))
			_, err = s.Read(ctx, "wi-1")
			assert.True(t, IsNotFound(err))

			// Deleting a missing blob is not an error.
			assert.NoError(t, s.Delete(ctx, "wi-1"))
		})
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), "wi-1", []byte("summary")))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Read(context.Background(), "wi-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), got)
}

func TestUnsupported(t *testing.T) {
	var s Unsupported
	ctx := context.Background()
	assert.True(t, IsNotSupported(s.Write(ctx, "wi-1", nil)))
	_, err := s.Read(ctx, "wi-1")
	assert.True(t, IsNotSupported(err))
	assert.True(t, IsNotSupported(s.Delete(ctx, "wi-1")))
}

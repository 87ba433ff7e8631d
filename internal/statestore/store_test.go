package statestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func newBoltStore(t *testing.T) Store[record] {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore[record](db, "records")
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	stores := map[string]func(t *testing.T) Store[record]{
		"bolt":   newBoltStore,
		"memory": func(t *testing.T) Store[record] { return NewMemoryStore[record]() },
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			_, err := s.Get(ctx, "missing")
			assert.True(t, errdefs.IsNotFound(err))

			require.NoError(t, s.Set(ctx, "domains/web1", &record{Name: "web1", Value: 1}))
			require.NoError(t, s.Set(ctx, "domains/web2", &record{Name: "web2", Value: 2}))
			require.NoError(t, s.Set(ctx, "other/x", &record{Name: "x"}))

			got, err := s.Get(ctx, "domains/web1")
			require.NoError(t, err)
			assert.Equal(t, 1, got.Value)

			var seen []string
			err = s.Scan(ctx, "domains/", func(key string, v *record) error {
				seen = append(seen, v.Name)
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"web1", "web2"}, seen)

			require.NoError(t, s.Delete(ctx, "domains/web1"))
			_, err = s.Get(ctx, "domains/web1")
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutIsWriteOnce(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Put(context.Background(), "evidence/a.json", []byte(`{"v":1}`)))
	// A second write under the same key must not clobber the bundle.
	require.NoError(t, s.Put(context.Background(), "evidence/a.json", []byte(`{"v":2}`)))

	got, err := s.Get(context.Background(), "evidence/a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), got)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "evidence/missing.json")
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(context.Background(), Config{Backend: "tape"})
	assert.Error(t, err)
}

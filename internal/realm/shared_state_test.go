package realm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestSharedState_Values(t *testing.T) {
	s := NewSharedState()
	assert.NotEmpty(t, s.ID())
	assert.NotEqual(t, s.ID(), NewSharedState().ID())

	assert.Empty(t, s.LoadedUsername())
	assert.False(t, s.SkipGroupLoading())

	s.SetLoadedUsername("Alice")
	s.SetSkipGroupLoading(true)
	s.Set("custom", 42)

	assert.Equal(t, "Alice", s.LoadedUsername())
	assert.True(t, s.SkipGroupLoading())
	v, ok := s.Get("custom")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	s.Delete("custom")
	_, ok = s.Get("custom")
	assert.False(t, ok)
}

func TestSharedState_Close(t *testing.T) {
	s := NewSharedState()

	var order []string
	s.OnClose(closerFunc(func() error { order = append(order, "first"); return nil }))
	s.OnClose(closerFunc(func() error { order = append(order, "second"); return errors.New("boom") }))

	err := s.Close()
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []string{"second", "first"}, order)

	require.NoError(t, s.Close(), "second close is a no-op")

	late := false
	s.OnClose(closerFunc(func() error { late = true; return nil }))
	assert.True(t, late, "closers registered after close run immediately")
}

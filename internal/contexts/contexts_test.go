package contexts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_RefCounting(t *testing.T) {
	var freed []any
	h := NewHandle("ctx", func(v any) { freed = append(freed, v) })
	require.Equal(t, 1, h.Refs())

	same := h.Retain()
	assert.Same(t, h, same)
	assert.Equal(t, 2, h.Refs())

	h.Release()
	assert.Empty(t, freed)
	h.Release()
	assert.Equal(t, []any{"ctx"}, freed)
	assert.Equal(t, 0, h.Refs())
}

func TestHandle_Nil(t *testing.T) {
	var h *Handle
	assert.Nil(t, h.Retain())
	assert.Nil(t, h.Value())
	assert.Equal(t, 0, h.Refs())
	h.Release()
}

func TestArena_MarkDeadAndSweep(t *testing.T) {
	a := NewArena()
	s1 := a.Allocate()
	s2 := a.Allocate()

	freed := 0
	s1.Set(NewHandle(1, func(any) { freed++ }))
	s2.Set(NewHandle(2, func(any) { freed++ }))
	require.Equal(t, 2, a.Live())

	s1.MarkDead()
	assert.Equal(t, 2, a.Live(), "dead slots are freed only at sweep")

	assert.Equal(t, 1, a.Sweep())
	assert.Equal(t, 1, a.Live())
	assert.Equal(t, 1, freed)
	assert.Nil(t, s1.Get())
	assert.Equal(t, 2, s2.Get().Value())

	assert.Equal(t, 0, a.Sweep())
}

func TestArena_SetReleasesPrevious(t *testing.T) {
	a := NewArena()
	s := a.Allocate()
	released := false
	s.Set(NewHandle("a", func(any) { released = true }))
	s.Set(NewHandle("b", nil))
	assert.True(t, released)
	assert.Equal(t, "b", s.Get().Value())
}

func TestArena_Clear(t *testing.T) {
	a := NewArena()
	freed := 0
	for i := 0; i < 3; i++ {
		a.Allocate().Set(NewHandle(i, func(any) { freed++ }))
	}
	a.Clear()
	assert.Equal(t, 0, a.Live())
	assert.Equal(t, 3, freed)
}

func TestHandle_TryRetain(t *testing.T) {
	freed := 0
	h := NewHandle("ctx", func(any) { freed++ })

	got := h.TryRetain()
	require.Same(t, h, got)
	assert.Equal(t, 2, h.Refs())
	h.Release()
	h.Release()
	require.Equal(t, 1, freed)

	assert.Nil(t, h.TryRetain(), "a released handle is not revived")
	assert.Equal(t, 0, h.Refs())
	assert.Equal(t, 1, freed)

	var none *Handle
	assert.Nil(t, none.TryRetain())
}

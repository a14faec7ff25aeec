package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasic(t *testing.T) {
	t.Run("Basic: fresh entities get unique ids", func(t *testing.T) {
		a := NewBasic()
		b := NewBasic()
		require.NotEmpty(t, a.ID())
		require.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("Basic: property round trip", func(t *testing.T) {
		e := NewBasicWithID("player-1")
		_, ok := e.Property("hp")
		require.False(t, ok)

		e.SetProperty("hp", 100)
		v, ok := e.Property("hp")
		require.True(t, ok)
		require.Equal(t, 100, v)

		e.RemoveProperty("hp")
		_, ok = e.Property("hp")
		require.False(t, ok)
	})

	t.Run("Basic: properties returns a copy", func(t *testing.T) {
		e := NewBasicWithID("player-1")
		e.SetProperty("zone", "north")
		props := e.Properties()
		props["zone"] = "south"

		v, ok := e.Property("zone")
		require.True(t, ok)
		require.Equal(t, "north", v)
	})
}

func TestFunc(t *testing.T) {
	t.Run("Func: delegates reads", func(t *testing.T) {
		f := Func{
			EntityID: "host-42",
			Read: func(name string) (any, bool) {
				if name == "level" {
					return 7, true
				}
				return nil, false
			},
		}
		require.Equal(t, ID("host-42"), f.ID())
		v, ok := f.Property("level")
		require.True(t, ok)
		require.Equal(t, 7, v)
		_, ok = f.Property("missing")
		require.False(t, ok)
	})

	t.Run("Func: nil reader reports absent", func(t *testing.T) {
		f := Func{EntityID: "host-42"}
		_, ok := f.Property("anything")
		require.False(t, ok)
	})
}

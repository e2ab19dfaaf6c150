package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	require.Equal(t, 0, c.Len())
	_, err := c.Lookup("add")
	require.ErrorIs(t, err, ErrUnknownFunction)

	require.NoError(t, c.Register(Invokable{ID: "add"}))
	inv, err := c.Lookup("add")
	require.NoError(t, err)
	require.Equal(t, "add", inv.ID)

	err = c.Register(Invokable{ID: "add"})
	require.ErrorIs(t, err, ErrDuplicateFunction)
	require.Contains(t, err.Error(), `"add"`)

	// All or none: "scale" must not be registered since "add" is a duplicate.
	err = c.RegisterAll([]Invokable{{ID: "scale"}, {ID: "add"}})
	require.ErrorIs(t, err, ErrDuplicateFunction)
	_, err = c.Lookup("scale")
	require.ErrorIs(t, err, ErrUnknownFunction)

	// Repeated ids within the same batch.
	require.ErrorIs(t, c.RegisterAll([]Invokable{{ID: "fill"}, {ID: "fill"}}), ErrDuplicateFunction)
	require.Equal(t, 1, c.Len())

	require.NoError(t, c.RegisterAll([]Invokable{{ID: "scale"}, {ID: "fill"}}))
	require.Equal(t, []string{"add", "fill", "scale"}, c.IDs())
}

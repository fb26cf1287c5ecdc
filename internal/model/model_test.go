package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
)

func TestNewClass(t *testing.T) {
	c, err := NewClass("Folder",
		Feature{Name: "name", Kind: Attribute},
		Feature{Name: "children", Kind: Containment},
		Feature{Name: "owner", Kind: Reference},
	)
	require.NoError(t, err)

	children, err := c.Feature("children")
	require.NoError(t, err)
	assert.True(t, children.Many, "containment is always many-valued")
	assert.True(t, children.IsReference())
	assert.Len(t, c.Containments(), 1)

	_, err = c.Feature("missing")
	assert.True(t, gerrors.Is(err, gerrors.ErrUnknownFeature))

	_, err = NewClass("Dup", Feature{Name: "a", Kind: Attribute}, Feature{Name: "a", Kind: Reference})
	assert.Error(t, err)
}

func TestParseFeature(t *testing.T) {
	f, err := ParseFeature("tags:attr*")
	require.NoError(t, err)
	assert.Equal(t, Feature{Name: "tags", Kind: Attribute, Many: true}, f)

	f, err = ParseFeature("kids:contains")
	require.NoError(t, err)
	assert.Equal(t, Feature{Name: "kids", Kind: Containment, Many: true}, f)

	_, err = ParseFeature("nokind")
	assert.Error(t, err)
	_, err = ParseFeature("x:blob")
	assert.Error(t, err)
}

func TestRegistryAndEncoding(t *testing.T) {
	c := MustClass("Note", Feature{Name: "text", Kind: Attribute})
	r := NewRegistry(c)

	got, err := r.Lookup("Note")
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = r.Lookup("Other")
	assert.True(t, gerrors.Is(err, gerrors.ErrClassNotFound))

	data, err := MarshalClass(c)
	require.NoError(t, err)
	decoded, err := UnmarshalClass(data)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

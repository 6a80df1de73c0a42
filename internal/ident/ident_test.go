package ident

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_ProducesSortableUUIDs(t *testing.T) {
	gen := UUIDv7Generator{}

	a := gen.Generate()
	b := gen.Generate()

	ua, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), ua.Version())
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "v7 ids sort by creation time")
}

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("evt")

	assert.Equal(t, "evt-000001", gen.Generate())
	assert.Equal(t, "evt-000002", gen.Generate())
}

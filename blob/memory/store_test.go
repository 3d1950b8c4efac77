// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/fluxfn/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Put(ctx, []byte("payload"), blob.Metadata{
		ContentType: "text/plain",
		Attributes:  map[string]string{"fn.name": "fn"},
	})
	require.NoError(t, err)

	data, meta, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int64(7), meta.Size)
	assert.Equal(t, "fn", meta.Attribute("fn.name"))

	_, _, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Put(ctx, []byte("original"), blob.Metadata{
		Attributes: map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	data, meta, err := s.Get(ctx, id)
	require.NoError(t, err)

	// Mutating what Get returned must not affect the stored object.
	data[0] = 'X'
	meta.Attributes["k"] = "tampered"

	data2, meta2, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data2)
	assert.Equal(t, "v", meta2.Attribute("k"))
}

func TestStore_SetAttributesMerge(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Put(ctx, []byte("x"), blob.Metadata{
		Attributes: map[string]string{"a": "1", "b": "2"},
	})
	require.NoError(t, err)

	require.NoError(t, s.SetAttributes(ctx, id, map[string]string{"b": "", "c": "3"}))

	meta, err := s.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1", meta.Attribute("a"))
	assert.Empty(t, meta.Attribute("b"))
	assert.Equal(t, "3", meta.Attribute("c"))

	assert.ErrorIs(t, s.SetAttributes(ctx, "missing", nil), blob.ErrNotFound)
}

func TestStore_DeleteAndList(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.Put(ctx, []byte("one"), blob.Metadata{})
	require.NoError(t, err)
	id2, err := s.Put(ctx, []byte("two"), blob.Metadata{})
	require.NoError(t, err)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	assert.Less(t, infos[0].ID, infos[1].ID)

	require.NoError(t, s.Delete(ctx, id1))
	assert.ErrorIs(t, s.Delete(ctx, id1), blob.ErrNotFound)

	infos, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, id2, infos[0].ID)
}

func TestStore_MaxObjectSize(t *testing.T) {
	s := New()
	s.MaxObjectSize = 4

	_, err := s.Put(context.Background(), []byte("12345"), blob.Metadata{})
	assert.ErrorIs(t, err, blob.ErrTooLarge)
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bikanpe/fabric/pkg/proto"
)

func TestAddRejectsEmptyName(t *testing.T) {
	r := New()
	_, err := r.Add("", "", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAddMintsUniqueIDs(t *testing.T) {
	r := New()
	a, err := r.Add("Host", "", "")
	require.NoError(t, err)
	b, err := r.Add("Actor A", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, proto.ALLSentinel, a.ID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	assert.False(t, r.Remove("nope"))
	m, _ := r.Add("Host", "", "")
	assert.True(t, r.Remove(m.ID))
	assert.False(t, r.Remove(m.ID))
}

func TestUpdateFailsNotFound(t *testing.T) {
	r := New()
	_, err := r.Update("missing", nil, nil, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMutatesInPlace(t *testing.T) {
	r := New()
	m, _ := r.Add("Host", "desc", "")
	newName := "Main Host"
	updated, err := r.Update(m.ID, &newName, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Main Host", updated.Name)
	assert.Equal(t, "desc", updated.Description)
}

func TestListPreservesInsertionOrder(t *testing.T) {
	r := New()
	a, _ := r.Add("Host", "", "")
	b, _ := r.Add("Actor A", "", "")
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestValidAcceptsALLSentinel(t *testing.T) {
	r := New()
	assert.True(t, r.Valid(proto.ALLSentinel))
	assert.False(t, r.Valid("nonexistent"))
	m, _ := r.Add("Host", "", "")
	assert.True(t, r.Valid(m.ID))
}

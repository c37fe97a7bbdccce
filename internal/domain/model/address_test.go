package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	a, err := ParseAddress(" 0001-0000000a-8b4e ")
	require.NoError(t, err)
	assert.Equal(t, Address("0001-0000000A-8B4E"), a)

	_, err = ParseAddress("0001-00000001")
	assert.Error(t, err)

	_, err = ParseAddress("0001-00000001-XXXX")
	assert.NoError(t, err)
}

func TestAddress_Node(t *testing.T) {
	t.Parallel()

	n, err := Address("000A-00000001-XXXX").Node()
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	uid, err := Address("000A-00000010-XXXX").UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(16), uid)

	_, err = Address("").Node()
	assert.Error(t, err)
}

func TestSameNode(t *testing.T) {
	t.Parallel()

	assert.True(t, SameNode("0001-00000000-9B6F", "0001-00000001-8B4E"))
	assert.False(t, SameNode("0001-00000000-9B6F", "0002-00000000-75BD"))
	assert.False(t, SameNode("", ""))
	assert.Equal(t, Address("0003-00000000-XXXX"), NodeAddress(3))
}

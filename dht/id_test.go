package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashToIDDeterministic(t *testing.T) {
	a := HashToID([]byte("hello"))
	b := HashToID([]byte("hello"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, HashToID([]byte("world")))
}

func TestIDFromBytesLength(t *testing.T) {
	_, err := IDFromBytes(make([]byte, 10))
	require.Error(t, err)

	id, err := IDFromBytes(make([]byte, IDLen))
	require.NoError(t, err)
	require.True(t, id.IsZero())
}

func TestDistanceSymmetricAndZero(t *testing.T) {
	a := HashToID([]byte("a"))
	b := HashToID([]byte("b"))

	require.Equal(t, Distance(a, b), Distance(b, a))
	require.True(t, Distance(a, a).IsZero())
}

func TestDistanceTriangleIdentity(t *testing.T) {
	a := HashToID([]byte("a"))
	b := HashToID([]byte("b"))
	c := HashToID([]byte("c"))

	// XOR 度量下，a^c == (a^b)^(b^c)
	ab := Distance(a, b)
	bc := Distance(b, c)
	require.Equal(t, Distance(a, c), Distance(ab, bc))
}

func TestLessOrdering(t *testing.T) {
	var small, big ID
	small[IDLen-1] = 1
	big[IDLen-1] = 2

	require.True(t, Less(small, big))
	require.False(t, Less(big, small))
	require.False(t, Less(small, small))
}

func TestBucketIndexUndefinedForSelf(t *testing.T) {
	self := HashToID([]byte("self"))
	_, ok := BucketIndex(self, self)
	require.False(t, ok)
}

func TestBucketIndexIsCommonPrefixLen(t *testing.T) {
	var self, x ID
	self[0] = 0b1111_0000

	x = self
	x[0] = 0b1111_0001 // differ only in the last bit of the first byte

	idx, ok := BucketIndex(self, x)
	require.True(t, ok)
	require.Equal(t, Distance(self, x).CommonPrefixLen(), idx)
	require.Equal(t, 7, idx)
}

func TestIDIntRoundTrip(t *testing.T) {
	id := HashToID([]byte("round-trip"))
	back := IDFromInt(id.Int())
	require.Equal(t, id, back)
}

func TestShortStringTruncates(t *testing.T) {
	id := HashToID([]byte("x"))
	require.LessOrEqual(t, len(id.ShortString()), 12)
}

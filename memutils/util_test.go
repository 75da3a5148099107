package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagebuddy/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(1, "one"))
	require.NoError(t, memutils.CheckPow2(1024, "page"))
	require.NoError(t, memutils.CheckPow2(uint64(1)<<40, "big"))

	err := memutils.CheckPow2(1000, "page")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "page is 1000")

	require.Error(t, memutils.CheckPow2(0, "zero"))
}

func TestAlign(t *testing.T) {
	require.Equal(t, 1024, memutils.AlignUp(212, 1024))
	require.Equal(t, 1024, memutils.AlignUp(1024, 1024))
	require.Equal(t, 2048, memutils.AlignUp(1025, 1024))
	require.Equal(t, 0, memutils.AlignUp(0, 1024))

	require.Equal(t, 0, memutils.AlignDown(1023, 1024))
	require.Equal(t, 3072, memutils.AlignDown(4000, 1024))
}

func TestLog2Ceil(t *testing.T) {
	cases := map[int]int{
		-3:   0,
		0:    0,
		1:    0,
		2:    1,
		3:    2,
		4:    2,
		5:    3,
		8:    3,
		9:    4,
		1024: 10,
		1025: 11,
	}

	for value, expected := range cases {
		require.Equal(t, expected, memutils.Log2Ceil(value), "value %d", value)
	}
}

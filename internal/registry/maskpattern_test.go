package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskPatternSSN(t *testing.T) {
	pattern, err := ParseMaskPattern("***-**-{last4}")
	require.NoError(t, err)
	require.Equal(t, "***-**-6789", pattern.Apply("123-45-6789"))
}

func TestMaskPatternFirstAndLast(t *testing.T) {
	pattern, err := ParseMaskPattern("{first1}***{last1}")
	require.NoError(t, err)
	require.Equal(t, "j***e", pattern.Apply("jdoe"))
}

func TestMaskPatternShortValue(t *testing.T) {
	pattern, err := ParseMaskPattern("***-**-{last4}")
	require.NoError(t, err)
	// Value shorter than the kept window keeps what exists.
	require.Equal(t, "***-**-42", pattern.Apply("42"))
}

func TestMaskPatternDeterministic(t *testing.T) {
	pattern, err := ParseMaskPattern("{first2}****")
	require.NoError(t, err)
	first := pattern.Apply("license-8842")
	second := pattern.Apply("license-8842")
	require.Equal(t, first, second)
}

func TestMaskPatternInvalid(t *testing.T) {
	for _, raw := range []string{"", "{last4", "{middle3}", "{last0}", "{lastx}"} {
		_, err := ParseMaskPattern(raw)
		require.Error(t, err, "pattern %q", raw)
	}
}

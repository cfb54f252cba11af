package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicCountsLatinByFourRunes(t *testing.T) {
	t.Parallel()

	var h Heuristic
	assert.Equal(t, 0, h.Count(""))
	assert.Equal(t, 1, h.Count("abc"))
	assert.Equal(t, 1, h.Count("abcd"))
	assert.Equal(t, 2, h.Count("abcde"))
}

func TestHeuristicCountsCJKRunesIndividually(t *testing.T) {
	t.Parallel()

	var h Heuristic
	assert.Equal(t, 4, h.Count("你好世界"))
	assert.Equal(t, 3, h.Count("你好ab"))
}

func TestDefaultIsResolvedOnce(t *testing.T) {
	t.Parallel()

	first := Default()
	second := Default()
	require.NotNil(t, first)
	assert.Equal(t, first, second)
	assert.Positive(t, first.Count(strings.Repeat("hello world ", 10)))
}

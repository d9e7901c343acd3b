package scrum

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGeneratorFormat(t *testing.T) {
	g := NewIDGenerator()
	id, err := g.Next(PrefixStory, func(string) bool { return false })
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(id, "US-"), "id %q should carry the US prefix", id)
	token := strings.TrimPrefix(id, "US-")
	require.Len(t, token, 6)
	for _, r := range token {
		assert.Contains(t, idAlphabet, string(r))
	}
}

func TestIDGeneratorAvoidsCollisions(t *testing.T) {
	g := NewIDGenerator()
	taken := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id, err := g.Next(PrefixTask, func(id string) bool { return taken[id] })
		require.NoError(t, err)
		require.False(t, taken[id], "generator returned an existing id %q", id)
		taken[id] = true
	}
}

func TestIDGeneratorCounterFallback(t *testing.T) {
	g := NewIDGenerator()
	counterForm := regexp.MustCompile(`^BUG-N\d{5}$`)
	// Every random candidate collides, forcing the sequential fallback.
	exists := func(id string) bool { return !counterForm.MatchString(id) }

	id, err := g.Next(PrefixBug, exists)
	require.NoError(t, err)
	assert.Regexp(t, counterForm, id)

	id2, err := g.Next(PrefixBug, exists)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

package scrum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateLoginStory(t *testing.T) {
	story := &Story{
		Title: "Login",
		AcceptanceCriteria: []string{
			"valid credentials are accepted",
			"invalid credentials are rejected",
			"lockout after five failures",
		},
	}
	assert.Equal(t, 3, EstimateStoryPoints(story))
}

func TestEstimateEmptyStory(t *testing.T) {
	assert.Equal(t, 1, EstimateStoryPoints(&Story{Title: "tbd"}))
}

func TestEstimateIsDeterministic(t *testing.T) {
	story := &Story{
		Title:       "Payment processing with webhook callbacks",
		Description: "Integrate the billing provider and cache exchange rates",
		AcceptanceCriteria: []string{
			"a", "b", "c", "d", "e", "f", "g",
		},
	}
	first := EstimateStoryPoints(story)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, EstimateStoryPoints(story))
	}
	assert.True(t, ValidPoints(first))
}

func TestEstimateMonotonicWithCriteria(t *testing.T) {
	small := &Story{Title: "Search results page"}
	big := &Story{
		Title: "Search results page",
		AcceptanceCriteria: []string{
			"a", "b", "c", "d", "e", "f",
		},
	}
	assert.GreaterOrEqual(t, EstimateStoryPoints(big), EstimateStoryPoints(small))
}

func TestPointsForScoreBands(t *testing.T) {
	cases := []struct {
		score  int
		points int
	}{
		{0, 1}, {4, 1}, {5, 2}, {9, 2}, {10, 3}, {14, 3},
		{15, 5}, {24, 5}, {25, 8}, {39, 8}, {40, 13}, {59, 13}, {60, 21},
	}
	for _, c := range cases {
		assert.Equal(t, c.points, pointsForScore(c.score), "score %d", c.score)
	}
}

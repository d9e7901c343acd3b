package scrum

import (
	"crypto/rand"
	"fmt"
)

// ID prefixes per entity kind.
const (
	PrefixStory   = "US"
	PrefixTask    = "TASK"
	PrefixBug     = "BUG"
	PrefixSprint  = "SPRINT"
	PrefixEpic    = "EPIC"
	PrefixRoadmap = "ROADMAP"
)

const (
	idAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idTokenLen   = 6
	idMaxRetries = 8
)

// IDGenerator issues collision-checked short IDs of the form <PREFIX>-<6 chars
// of [A-Z0-9]>. Tokens come from crypto/rand; after idMaxRetries collisions it
// falls back to a monotonic counter suffix so generation cannot livelock.
type IDGenerator struct {
	counter uint64
}

// NewIDGenerator creates an ID generator.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns a fresh ID for the given prefix. The exists function reports
// whether a candidate ID is already taken for that entity kind.
func (g *IDGenerator) Next(prefix string, exists func(id string) bool) (string, error) {
	for i := 0; i < idMaxRetries; i++ {
		token, err := randomToken(idTokenLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate id token: %w", err)
		}
		id := prefix + "-" + token
		if exists == nil || !exists(id) {
			return id, nil
		}
	}

	// Counter fallback; still collision-checked against the persisted set.
	for {
		g.counter++
		id := fmt.Sprintf("%s-N%05d", prefix, g.counter)
		if exists == nil || !exists(id) {
			return id, nil
		}
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf), nil
}

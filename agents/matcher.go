package agents

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/arctek/foundry/scrum"
)

// Match is the outcome of matching a task against the registry.
type Match struct {
	Agent      string  `json:"agent"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	CreatedNew bool    `json:"createdNew"`
}

// techEntry maps one technology keyword to the agent that owns it. Order in
// the table is the tie-break order for equal title positions.
type techEntry struct {
	tech  string
	agent string
}

var techMap = []techEntry{
	{"python", "python"}, {"django", "python"}, {"flask", "python"}, {"fastapi", "python"},
	{"go", "go"}, {"golang", "go"}, {"gin", "go"},
	{"react", "frontend"}, {"vue", "frontend"}, {"angular", "frontend"},
	{"typescript", "frontend"}, {"javascript", "frontend"},
	{"docker", "devops"}, {"kubernetes", "devops"}, {"terraform", "devops"},
	{"postgres", "database"}, {"mongo", "database"}, {"sql", "database"},
	{"pytest", "test-runner"}, {"jest", "test-runner"}, {"unittest", "test-runner"}, {"coverage", "test-runner"},
	{"rails", "ruby"}, {"ruby", "ruby"}, {"rspec", "ruby"},
	{"spring", "java"}, {"java", "java"},
	{"rust", "rust"}, {"cargo", "rust"},
	{"swift", "swift"}, {"ios", "swift"},
	{"kotlin", "kotlin"}, {"android", "kotlin"},
	{"elixir", "elixir"}, {"phoenix", "elixir"},
	{"r", "r"}, {"ggplot", "r"},
	{"haskell", "haskell"}, {"cabal", "haskell"},
}

// taskTypeMap is the lower-weight fallback when no technology keyword hits.
var taskTypeMap = []techEntry{
	{"test", "test-runner"}, {"coverage", "test-runner"},
	{"deploy", "devops"}, {"pipeline", "devops"},
	{"refactor", "project-manager"}, {"review", "project-manager"},
}

const (
	titleWeight = 3
	techWeight  = 2
	descWeight  = 1

	fallbackTitleWeight = 2
	fallbackOtherWeight = 1

	genericConfidence = 0.25
)

// Matcher scores tasks against the technology map and resolves them to a
// registered agent, creating specialists on demand when allowed.
type Matcher struct {
	registry     *Registry
	allowDynamic bool
	logger       *slog.Logger
}

// NewMatcher creates a matcher over the registry.
func NewMatcher(registry *Registry, allowDynamic bool, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{registry: registry, allowDynamic: allowDynamic, logger: logger}
}

// candidate accumulates one agent's score during a match.
type candidate struct {
	agent      string
	score      int
	titleHit   bool
	titleIndex int    // earliest keyword position in the title, or -1
	tech       string // first technology keyword that contributed
}

// Match resolves a task to an agent. workload reports how many Pending or
// In Progress tasks an agent currently carries and may be nil.
func (m *Matcher) Match(task *scrum.Task, workload func(agent string) int) Match {
	if task.AssignedAgent != "" {
		return Match{Agent: task.AssignedAgent, Reason: "manual", Confidence: 1.0}
	}

	titleTokens := tokenize(task.Title)
	techTokens := tokenize(task.TechnicalDetails)
	descTokens := tokenize(task.Description)

	cands := score(techMap, titleTokens, techTokens, descTokens, titleWeight, techWeight, descWeight)
	if len(cands) == 0 {
		cands = score(taskTypeMap, titleTokens, techTokens, descTokens,
			fallbackTitleWeight, fallbackOtherWeight, fallbackOtherWeight)
	}
	if len(cands) == 0 {
		return m.generic("no technology or task-type keywords matched")
	}

	best := pick(cands, workload)
	confidence := normalize(best.score, best.titleHit)
	reason := fmt.Sprintf("matched %q", best.tech)
	if best.titleHit {
		reason += " in title"
	}

	if _, ok := m.registry.Get(best.agent); ok {
		return Match{Agent: best.agent, Reason: reason, Confidence: confidence}
	}

	// Unknown agent name: try to create a specialist from the template keyed
	// by the matched technology.
	if m.allowDynamic {
		d := NewDescriptorFromTemplate(best.tech)
		d.Name = best.agent
		if _, err := m.registry.Create(d, true); err == nil {
			m.logger.Info("agent created on demand", "name", best.agent, "tech", best.tech)
			return Match{Agent: best.agent, Reason: reason, Confidence: confidence, CreatedNew: true}
		} else {
			m.logger.Warn("dynamic agent creation failed", "name", best.agent, "error", err)
		}
	}
	return m.generic(fmt.Sprintf("agent %q unavailable", best.agent))
}

func (m *Matcher) generic(why string) Match {
	return Match{
		Agent:      GenericEngineerName,
		Reason:     "fallback: " + why,
		Confidence: genericConfidence,
	}
}

// score runs one keyword table over the tokenized task text.
func score(table []techEntry, title, tech, desc map[string]int, wTitle, wTech, wDesc int) map[string]*candidate {
	cands := make(map[string]*candidate)
	get := func(agent string) *candidate {
		c, ok := cands[agent]
		if !ok {
			c = &candidate{agent: agent, titleIndex: -1}
			cands[agent] = c
		}
		return c
	}

	for _, e := range table {
		hit := false
		var c *candidate
		if idx, ok := title[e.tech]; ok {
			c = get(e.agent)
			c.score += wTitle
			c.titleHit = true
			if c.titleIndex < 0 || idx < c.titleIndex {
				c.titleIndex = idx
			}
			hit = true
		}
		if _, ok := tech[e.tech]; ok {
			c = get(e.agent)
			c.score += wTech
			hit = true
		}
		if _, ok := desc[e.tech]; ok {
			c = get(e.agent)
			c.score += wDesc
			hit = true
		}
		if hit && c.tech == "" {
			c.tech = e.tech
		}
	}
	return cands
}

// pick selects the winning candidate: among those within 10% of the top
// score, the one with the lightest workload, then the earliest title
// occurrence, then name order.
func pick(cands map[string]*candidate, workload func(agent string) int) *candidate {
	list := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return earlier(list[i], list[j])
	})

	top := list[0].score
	cutoff := float64(top) * 0.9
	var pool []*candidate
	for _, c := range list {
		if float64(c.score) >= cutoff {
			pool = append(pool, c)
		}
	}
	if len(pool) == 1 || workload == nil {
		return pool[0]
	}

	best := pool[0]
	bestLoad := workload(best.agent)
	for _, c := range pool[1:] {
		load := workload(c.agent)
		if load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

func earlier(a, b *candidate) bool {
	ai, bi := a.titleIndex, b.titleIndex
	if ai < 0 {
		ai = int(^uint(0) >> 1)
	}
	if bi < 0 {
		bi = int(^uint(0) >> 1)
	}
	if ai != bi {
		return ai < bi
	}
	return a.agent < b.agent
}

// normalize maps a raw score to a confidence in [0,1].
func normalize(score int, titleHit bool) float64 {
	if titleHit {
		c := float64(score) / 3
		if c > 1 {
			c = 1
		}
		return c
	}
	c := float64(score) / 4
	if c > 0.75 {
		c = 0.75
	}
	return c
}

// tokenize splits text into lowercase word tokens, mapping each token to its
// first position. Keyword matching is whole-token so that "r" does not match
// inside every other word.
func tokenize(text string) map[string]int {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]int, len(tokens))
	for i, t := range tokens {
		if _, seen := out[t]; !seen {
			out[t] = i
		}
	}
	return out
}

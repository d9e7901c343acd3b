package scrum

import "strings"

// complexityTerms assigns weights to technical terms found in a story's title
// and description. Heavier terms indicate work that historically blows up in
// scope (auth flows, migrations, integrations, realtime plumbing).
var complexityTerms = map[string]int{
	// Authentication and security
	"login": 4, "auth": 4, "authentication": 4, "authorization": 4,
	"oauth": 5, "sso": 5, "session": 3, "token": 3, "jwt": 3,
	"encryption": 5, "security": 4, "permission": 3, "rbac": 5,

	// API and integration
	"api": 3, "rest": 2, "graphql": 4, "grpc": 4, "webhook": 4,
	"integration": 5, "third-party": 4, "sdk": 3, "client": 2,

	// Data layer
	"database": 4, "migration": 5, "schema": 3, "index": 3,
	"postgres": 3, "mysql": 3, "mongo": 3, "sql": 3, "transaction": 4,

	// Caching and async
	"cache": 4, "caching": 4, "queue": 4, "async": 4, "worker": 3,
	"background": 3, "websocket": 5, "realtime": 5, "streaming": 5,
	"concurrency": 5,

	// UI
	"ui": 2, "form": 2, "dashboard": 3, "chart": 3, "responsive": 3,
	"accessibility": 4, "drag": 3, "animation": 3,

	// Operations
	"deploy": 3, "docker": 3, "kubernetes": 4, "ci": 2, "monitoring": 3,
	"logging": 2, "backup": 3,

	// Misc heavy hitters
	"payment": 6, "billing": 5, "search": 4, "notification": 3,
	"email": 2, "export": 3, "import": 3, "upload": 3, "report": 3,
	"audit": 3, "localization": 4, "i18n": 4,
}

// nonFunctionalTerms mark explicit non-functional requirements, each adding a
// flat bonus on top of any term weight.
var nonFunctionalTerms = []string{
	"performance", "latency", "throughput", "scale", "scalability",
	"scalable", "high availability", "compliance", "gdpr", "hipaa",
	"sla", "load test",
}

// crudVerbs group synonymous operation verbs; each distinct group present in
// the text counts once toward CRUD breadth.
var crudVerbs = [][]string{
	{"create", "add", "new"},
	{"read", "list", "view", "show", "display"},
	{"update", "edit", "modify", "change"},
	{"delete", "remove", "archive"},
}

const (
	weightPerCriterion = 2
	manyCriteriaBonus  = 6 // applied at >= manyCriteriaCount criteria
	manyCriteriaCount  = 6
	weightPerCrudGroup = 3
	nonFunctionalBonus = 5
)

// EstimateStoryPoints computes a deterministic complexity score for a story
// and maps it onto the Fibonacci scale. Same story, same points.
func EstimateStoryPoints(story *Story) int {
	return pointsForScore(complexityScore(story))
}

func complexityScore(story *Story) int {
	text := strings.ToLower(story.Title + " " + story.Description + " " +
		story.Role + " " + story.Want + " " + story.Benefit)

	score := 0
	for term, weight := range complexityTerms {
		if strings.Contains(text, term) {
			score += weight
		}
	}

	score += len(story.AcceptanceCriteria) * weightPerCriterion
	if len(story.AcceptanceCriteria) >= manyCriteriaCount {
		score += manyCriteriaBonus
	}

	for _, group := range crudVerbs {
		for _, verb := range group {
			if strings.Contains(text, verb) {
				score += weightPerCrudGroup
				break
			}
		}
	}

	for _, term := range nonFunctionalTerms {
		if strings.Contains(text, term) {
			score += nonFunctionalBonus
		}
	}

	return score
}

// pointsForScore maps a complexity score to Fibonacci story points using
// fixed bands.
func pointsForScore(score int) int {
	switch {
	case score < 5:
		return 1
	case score < 10:
		return 2
	case score < 15:
		return 3
	case score < 25:
		return 5
	case score < 40:
		return 8
	case score < 60:
		return 13
	default:
		return 21
	}
}

// Package agents provides the agent descriptor registry and the task-agent
// matcher. Descriptors are inert data: they describe which technologies an
// agent covers and which tools it may run, but carry no executable logic.
package agents

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Descriptor describes one agent. Serialized as YAML under the agents
// directory, with a markdown sidecar for downstream tools.
type Descriptor struct {
	Name          string   `yaml:"name"`
	DisplayName   string   `yaml:"display_name"`
	Color         string   `yaml:"color"`
	Emoji         string   `yaml:"emoji"`
	Label         string   `yaml:"label"`
	Description   string   `yaml:"description,omitempty"`
	Language      string   `yaml:"language,omitempty"`
	Frameworks    []string `yaml:"frameworks,omitempty"`
	Tools         []string `yaml:"tools,omitempty"`
	TestFramework string   `yaml:"test_framework,omitempty"`
	FilePatterns  []string `yaml:"file_patterns,omitempty"`
	SkillKeywords []string `yaml:"skill_keywords,omitempty"`
	AllowedTools  []string `yaml:"allowed_tools,omitempty"`
}

// GenericEngineerName is the last-resort agent when no specialist matches and
// dynamic creation is unavailable.
const GenericEngineerName = "generic-engineer"

// Builtins returns the descriptors every project ships with.
func Builtins() []Descriptor {
	core := []Descriptor{
		{
			Name:        "project-manager",
			DisplayName: "Project Manager",
			Color:       "magenta",
			Emoji:       "📊",
			Label:       "PM",
			Description: "Sprint planning, estimation, and task assignment.",
			Frameworks:  []string{"scrum", "agile", "kanban"},
			Tools:       []string{"git"},
		},
		{
			Name:        "context-manager",
			DisplayName: "Context Manager",
			Color:       "blue",
			Emoji:       "🔍",
			Label:       "CTX",
			Description: "Codebase analysis and dependency mapping.",
			Tools:       []string{"grep", "find", "ctags"},
		},
		{
			Name:          "python",
			DisplayName:   "Python Engineer",
			Color:         "green",
			Emoji:         "🐍",
			Label:         "PY",
			Language:      "python",
			Frameworks:    []string{"django", "flask", "fastapi"},
			Tools:         []string{"python", "pip", "pytest"},
			TestFramework: "pytest",
			FilePatterns:  []string{`.*\.py$`, `requirements\.txt$`, `pyproject\.toml$`},
		},
		{
			Name:          "go",
			DisplayName:   "Go Engineer",
			Color:         "cyan",
			Emoji:         "🔷",
			Label:         "GO",
			Language:      "go",
			Frameworks:    []string{"gin", "echo", "chi"},
			Tools:         []string{"go", "gofmt", "golangci-lint"},
			TestFramework: "go test",
			FilePatterns:  []string{`.*\.go$`, `go\.mod$`, `go\.sum$`},
		},
		{
			Name:          "frontend",
			DisplayName:   "Frontend Engineer",
			Color:         "yellow",
			Emoji:         "🎨",
			Label:         "FE",
			Language:      "typescript",
			Frameworks:    []string{"react", "vue", "angular"},
			Tools:         []string{"node", "npm", "jest", "eslint"},
			TestFramework: "jest",
			FilePatterns:  []string{`.*\.tsx?$`, `.*\.jsx?$`, `package\.json$`},
		},
		{
			Name:          "test-runner",
			DisplayName:   "Test Runner",
			Color:         "red",
			Emoji:         "🧪",
			Label:         "TEST",
			Description:   "Runs test suites and coverage analysis.",
			Tools:         []string{"pytest", "jest", "go", "coverage"},
			TestFramework: "any",
		},
		{
			Name:        "devops",
			DisplayName: "DevOps Engineer",
			Color:       "white",
			Emoji:       "⚙️",
			Label:       "OPS",
			Frameworks:  []string{"docker", "kubernetes", "terraform"},
			Tools:       []string{"docker", "kubectl", "terraform", "helm"},
		},
		{
			Name:        GenericEngineerName,
			DisplayName: "Generic Engineer",
			Color:       "white",
			Emoji:       "🤖",
			Label:       "AGT",
			Description: "Fallback agent for tasks with no technology match.",
		},
	}
	for lang := range languageTemplates {
		core = append(core, languageTemplates[lang])
	}
	return core
}

// languageTemplates key technology names to ready-made specialist descriptors,
// used both for the broader builtin set and for on-demand creation.
var languageTemplates = map[string]Descriptor{
	"java": {
		Name:          "java",
		DisplayName:   "Java Engineer",
		Color:         "red",
		Emoji:         "☕",
		Label:         "JAVA",
		Language:      "java",
		Frameworks:    []string{"spring", "springboot", "hibernate", "maven", "gradle"},
		Tools:         []string{"javac", "maven", "gradle", "junit", "mockito"},
		TestFramework: "junit",
		FilePatterns:  []string{`.*\.java$`, `pom\.xml$`, `build\.gradle$`},
	},
	"ruby": {
		Name:          "ruby",
		DisplayName:   "Ruby Engineer",
		Color:         "red",
		Emoji:         "💎",
		Label:         "RB",
		Language:      "ruby",
		Frameworks:    []string{"rails", "sinatra", "rspec", "bundler"},
		Tools:         []string{"ruby", "bundler", "rake", "rspec", "rubocop"},
		TestFramework: "rspec",
		FilePatterns:  []string{`.*\.rb$`, `Gemfile$`, `.*\.erb$`, `Rakefile$`},
	},
	"rust": {
		Name:          "rust",
		DisplayName:   "Rust Engineer",
		Color:         "yellow",
		Emoji:         "🦀",
		Label:         "RS",
		Language:      "rust",
		Frameworks:    []string{"tokio", "actix", "rocket", "serde"},
		Tools:         []string{"cargo", "rustc", "clippy", "rustfmt"},
		TestFramework: "cargo test",
		FilePatterns:  []string{`.*\.rs$`, `Cargo\.toml$`},
	},
	"swift": {
		Name:          "swift",
		DisplayName:   "Swift Engineer",
		Color:         "yellow",
		Emoji:         "🦉",
		Label:         "SW",
		Language:      "swift",
		Frameworks:    []string{"swiftui", "uikit", "vapor", "combine"},
		Tools:         []string{"swift", "swiftc", "xcodebuild", "xctest"},
		TestFramework: "xctest",
		FilePatterns:  []string{`.*\.swift$`, `Package\.swift$`},
	},
	"kotlin": {
		Name:          "kotlin",
		DisplayName:   "Kotlin Engineer",
		Color:         "magenta",
		Emoji:         "🎯",
		Label:         "KT",
		Language:      "kotlin",
		Frameworks:    []string{"android", "ktor", "spring", "compose"},
		Tools:         []string{"kotlinc", "gradle", "maven", "junit"},
		TestFramework: "junit",
		FilePatterns:  []string{`.*\.kts?$`, `build\.gradle\.kts$`},
	},
	"elixir": {
		Name:          "elixir",
		DisplayName:   "Elixir Engineer",
		Color:         "magenta",
		Emoji:         "💧",
		Label:         "EX",
		Language:      "elixir",
		Frameworks:    []string{"phoenix", "ecto", "otp"},
		Tools:         []string{"elixir", "mix", "iex", "exunit"},
		TestFramework: "exunit",
		FilePatterns:  []string{`.*\.exs?$`, `mix\.exs$`},
	},
	"haskell": {
		Name:          "haskell",
		DisplayName:   "Haskell Engineer",
		Color:         "cyan",
		Emoji:         "λ",
		Label:         "HS",
		Language:      "haskell",
		Frameworks:    []string{"yesod", "servant", "scotty", "stack"},
		Tools:         []string{"ghc", "stack", "cabal", "hspec"},
		TestFramework: "hspec",
		FilePatterns:  []string{`.*\.hs$`, `.*\.cabal$`, `stack\.yaml$`},
	},
	"r": {
		Name:          "r",
		DisplayName:   "R Statistician",
		Color:         "blue",
		Emoji:         "📊",
		Label:         "R",
		Language:      "r",
		Frameworks:    []string{"shiny", "ggplot2", "tidyverse", "caret"},
		Tools:         []string{"R", "Rscript", "devtools", "testthat"},
		TestFramework: "testthat",
		FilePatterns:  []string{`.*\.R$`, `.*\.Rmd$`},
	},
}

// TemplateFor returns the specialist template for a technology name.
func TemplateFor(tech string) (Descriptor, bool) {
	d, ok := languageTemplates[strings.ToLower(tech)]
	return d, ok
}

// NewDescriptorFromTemplate derives a descriptor for a technology without a
// ready-made template. Display name comes from title-casing the technology.
func NewDescriptorFromTemplate(tech string) Descriptor {
	tech = strings.ToLower(strings.TrimSpace(tech))
	if d, ok := TemplateFor(tech); ok {
		return d
	}
	title := cases.Title(language.English).String(tech)
	label := strings.ToUpper(tech)
	if len(label) > 4 {
		label = label[:4]
	}
	return Descriptor{
		Name:        tech,
		DisplayName: title + " Engineer",
		Color:       "white",
		Emoji:       "🤖",
		Label:       label,
		Language:    tech,
	}
}

package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// CouncilType selects which set of models sits on the council.
type CouncilType string

const (
	CouncilTypePremium  CouncilType = "premium"
	CouncilTypeEconomic CouncilType = "economic"
	CouncilTypeFree     CouncilType = "free"
)

// Context limits used to decide when Stage 2 must be summarized.
const (
	RestrictedContextTokens = 32000
	DefaultContextTokens    = 128000
)

// maxCouncilSize is bounded by the single-letter anonymization labels.
const maxCouncilSize = 26

// ParseCouncilType maps a request value onto a known council type.
// Unknown or empty values fall back to premium.
func ParseCouncilType(s string) CouncilType {
	switch CouncilType(strings.ToLower(strings.TrimSpace(s))) {
	case CouncilTypeEconomic:
		return CouncilTypeEconomic
	case CouncilTypeFree:
		return CouncilTypeFree
	default:
		return CouncilTypePremium
	}
}

// CouncilConfig describes one council tier.
type CouncilConfig struct {
	Type             CouncilType `toml:"-"`
	Models           []string    `toml:"models"`
	Chairman         string      `toml:"chairman"`
	MaxContextTokens int         `toml:"max_context_tokens"`
}

// FallbackTable maps a restricted-tier model to its unrestricted counterpart.
type FallbackTable map[string]string

// Lookup returns the fallback for model, if any.
func (f FallbackTable) Lookup(model string) (string, bool) {
	target, ok := f[model]
	return target, ok && target != ""
}

// Config holds everything the service reads at startup. It is built once and
// must not be mutated afterwards; accessors hand out copies.
type Config struct {
	OpenRouterAPIKey string
	OpenRouterAPIURL string

	Councils  map[CouncilType]CouncilConfig
	Fallbacks FallbackTable

	// Auxiliary models
	SummaryModel string
	TitleModel   string

	ModelQueryTimeout time.Duration
	SummaryTimeout    time.Duration
	TitleGenTimeout   time.Duration

	DataDir string
	Port    string

	// Empty means any localhost origin is allowed (development)
	CORSAllowedOrigins []string

	MaxRequestBodySize int64

	MaxPageChars int
	// Upper bound on the HTML read from a reference page
	MaxPageBytes int64
	PageCacheTTL time.Duration
}

// DefaultConfig returns the built-in council tiers and service defaults.
func DefaultConfig() *Config {
	return &Config{
		OpenRouterAPIURL: "https://openrouter.ai/api/v1/chat/completions",
		Councils: map[CouncilType]CouncilConfig{
			CouncilTypePremium: {
				Type: CouncilTypePremium,
				Models: []string{
					"openai/gpt-5.1",
					"google/gemini-3-pro-preview",
					"anthropic/claude-opus-4.5",
					"x-ai/grok-4",
				},
				Chairman:         "google/gemini-3-pro-preview",
				MaxContextTokens: DefaultContextTokens,
			},
			CouncilTypeEconomic: {
				Type: CouncilTypeEconomic,
				Models: []string{
					"qwen/qwen3-235b-a22b-thinking-2507",
					"meta-llama/llama-3.3-70b-instruct",
					"deepseek/deepseek-r1-0528-qwen3-8b",
					"nousresearch/hermes-4-70b",
				},
				Chairman:         "deepseek/deepseek-v3.1-terminus",
				MaxContextTokens: DefaultContextTokens,
			},
			CouncilTypeFree: {
				Type: CouncilTypeFree,
				Models: []string{
					"mistralai/mistral-small-24b-instruct-2501:free",
					"google/gemini-2.5-flash:free",
					"z-ai/glm-4.5-air:free",
					"deepseek/deepseek-r1-distill-qwen-32b",
				},
				Chairman:         "deepseek/deepseek-r1-distill-llama-70b:free",
				MaxContextTokens: RestrictedContextTokens,
			},
		},
		Fallbacks: FallbackTable{
			"mistralai/mistral-small-24b-instruct-2501:free": "mistralai/mistral-small-24b-instruct-2501",
			"google/gemini-2.5-flash:free":                   "google/gemini-2.5-flash",
			"z-ai/glm-4.5-air:free":                          "z-ai/glm-4.5-air",
			"deepseek/deepseek-r1-distill-llama-70b:free":    "deepseek/deepseek-r1-distill-llama-70b",
		},
		SummaryModel:       "mistralai/mistral-small-24b-instruct-2501",
		TitleModel:         "google/gemini-2.5-flash",
		ModelQueryTimeout:  120 * time.Second,
		SummaryTimeout:     60 * time.Second,
		TitleGenTimeout:    30 * time.Second,
		DataDir:            "data/conversations",
		Port:               "8001",
		CORSAllowedOrigins: []string{},
		MaxRequestBodySize: 1 << 20,
		MaxPageChars:       20000,
		MaxPageBytes:       2 << 20,
		PageCacheTTL:       5 * time.Minute,
	}
}

// Council returns a copy of the configuration for the given tier.
// Unknown tiers resolve to premium.
func (c *Config) Council(t CouncilType) CouncilConfig {
	cc, ok := c.Councils[t]
	if !ok {
		t = CouncilTypePremium
		cc = c.Councils[t]
	}
	if cc.Type == "" {
		cc.Type = t
	}
	cc.Models = append([]string(nil), cc.Models...)
	return cc
}

// Validate checks the invariants the orchestrator relies on.
func (c *Config) Validate() error {
	if c.OpenRouterAPIURL == "" {
		return errors.New("OpenRouter API URL is empty")
	}
	if _, ok := c.Councils[CouncilTypePremium]; !ok {
		return errors.New("premium council is not configured")
	}
	for t, cc := range c.Councils {
		if len(cc.Models) == 0 {
			return fmt.Errorf("council %q has no models", t)
		}
		if len(cc.Models) > maxCouncilSize {
			return fmt.Errorf("council %q has %d models, at most %d supported", t, len(cc.Models), maxCouncilSize)
		}
		seen := make(map[string]bool, len(cc.Models))
		for _, m := range cc.Models {
			if m == "" {
				return fmt.Errorf("council %q has an empty model id", t)
			}
			if seen[m] {
				return fmt.Errorf("council %q lists model %q twice", t, m)
			}
			seen[m] = true
		}
		if cc.Chairman == "" {
			return fmt.Errorf("council %q has no chairman", t)
		}
		if cc.MaxContextTokens <= 0 {
			return fmt.Errorf("council %q has invalid max_context_tokens %d", t, cc.MaxContextTokens)
		}
	}
	for from, to := range c.Fallbacks {
		if _, chained := c.Fallbacks[to]; chained {
			return fmt.Errorf("fallback %q -> %q chains into another fallback", from, to)
		}
	}
	return nil
}

// councilFile is the optional TOML override for council tiers.
type councilFile struct {
	SummaryModel string                   `toml:"summary_model"`
	TitleModel   string                   `toml:"title_model"`
	Councils     map[string]CouncilConfig `toml:"councils"`
	Fallbacks    map[string]string        `toml:"fallbacks"`
}

// applyCouncilFile merges a TOML council file into cfg.
func applyCouncilFile(cfg *Config, data []byte) error {
	var file councilFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse council file: %w", err)
	}

	if file.SummaryModel != "" {
		cfg.SummaryModel = file.SummaryModel
	}
	if file.TitleModel != "" {
		cfg.TitleModel = file.TitleModel
	}
	for name, cc := range file.Councils {
		t := CouncilType(strings.ToLower(name))
		if t != CouncilTypePremium && t != CouncilTypeEconomic && t != CouncilTypeFree {
			return fmt.Errorf("unknown council type %q", name)
		}
		cc.Type = t
		if cc.MaxContextTokens == 0 {
			cc.MaxContextTokens = DefaultContextTokens
			if t == CouncilTypeFree {
				cc.MaxContextTokens = RestrictedContextTokens
			}
		}
		cfg.Councils[t] = cc
	}
	if file.Fallbacks != nil {
		cfg.Fallbacks = FallbackTable(file.Fallbacks)
	}
	return nil
}

// LoadConfig loads configuration from .env, the environment and an optional
// council file named by COUNCIL_CONFIG.
func LoadConfig() (*Config, error) {
	envLocations := []string{
		".env",
		"../.env",
	}

	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	cfg := DefaultConfig()

	cfg.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if cfg.OpenRouterAPIKey == "" {
		return nil, errors.New("OPENROUTER_API_KEY environment variable is required")
	}
	if url := os.Getenv("OPENROUTER_API_URL"); url != "" {
		cfg.OpenRouterAPIURL = url
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	if path := os.Getenv("COUNCIL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read council file: %w", err)
		}
		if err := applyCouncilFile(cfg, data); err != nil {
			return nil, err
		}
		log.Printf("Loaded council configuration from: %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Println("Configuration loaded successfully")
	return cfg, nil
}

package agent

import (
	"time"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/llm"
)

// Profile is a named set of sampling parameters.
type Profile struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Profile names.
const (
	ProfileDefault  = "default"
	ProfileAnalysis = "analysis"
	ProfileCreative = "creative"
)

// DefaultProfiles returns the builtin profiles.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileDefault:  {Temperature: 0.7, MaxTokens: 2000, Timeout: 240 * time.Second},
		ProfileAnalysis: {Temperature: 0.1, MaxTokens: 3000, Timeout: 300 * time.Second},
		ProfileCreative: {Temperature: 0.9, MaxTokens: 1500, Timeout: 180 * time.Second},
	}
}

// ProfileName maps a role to the profile it runs with.
func ProfileName(role domain.AgentRole) string {
	switch role {
	case domain.RoleAnalyst:
		return ProfileAnalysis
	case domain.RolePraiser, domain.RoleGuide:
		return ProfileCreative
	default:
		return ProfileDefault
	}
}

// CallConfig overrides profile settings for a single invocation. Zero
// fields keep the profile value.
type CallConfig struct {
	Timeout      time.Duration
	Model        string
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string
	Retry        llm.RetryPolicy
	NoCache      bool
}

// resolved merges cfg over profile p.
func (cfg CallConfig) resolved(p Profile) Profile {
	if cfg.Timeout > 0 {
		p.Timeout = cfg.Timeout
	}
	if cfg.Temperature != nil {
		p.Temperature = *cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		p.MaxTokens = cfg.MaxTokens
	}
	return p
}

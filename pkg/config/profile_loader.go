package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GovernanceProfile is a deployment-specific governance bootstrap: the
// approver set, threshold, timelock and guardian for one governed program.
// Profiles seed the initial config; later changes go through config-update
// proposals.
type GovernanceProfile struct {
	Name        string        `yaml:"name" json:"name"`
	Code        string        `yaml:"code" json:"code"`
	Program     string        `yaml:"program" json:"program"`
	Approvers   []string      `yaml:"approvers" json:"approvers"`
	Threshold   int           `yaml:"threshold" json:"threshold"`
	MinTimelock time.Duration `yaml:"min_timelock" json:"min_timelock"`
	Guardian    string        `yaml:"guardian,omitempty" json:"guardian,omitempty"`

	// CancelPolicy optionally overrides the built-in cancellation rule
	// with a CEL expression.
	CancelPolicy string `yaml:"cancel_policy,omitempty" json:"cancel_policy,omitempty"`

	Notifications NotificationConfig `yaml:"notifications" json:"notifications"`
}

// NotificationConfig selects the notification channel for a profile.
type NotificationConfig struct {
	Channel      string `yaml:"channel" json:"channel"` // "log" | "redis"
	RedisChannel string `yaml:"redis_channel,omitempty" json:"redis_channel,omitempty"`
}

// Validate checks the structural invariants of a profile.
func (p *GovernanceProfile) Validate() error {
	if p.Program == "" {
		return fmt.Errorf("profile %q: program is required", p.Code)
	}
	if len(p.Approvers) == 0 {
		return fmt.Errorf("profile %q: approver set must not be empty", p.Code)
	}
	if p.Threshold < 1 || p.Threshold > len(p.Approvers) {
		return fmt.Errorf("profile %q: threshold %d out of range for %d approvers",
			p.Code, p.Threshold, len(p.Approvers))
	}
	return nil
}

// LoadProfile loads a governance profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*GovernanceProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*GovernanceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*GovernanceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile GovernanceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

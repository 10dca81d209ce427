package policy

import "time"

// Policy is the catalog document: trust levels, modes and behavior
// signatures, plus gateway defaults.
type Policy struct {
	Version     string       `yaml:"version"`
	Defaults    Defaults     `yaml:"defaults"`
	TrustLevels []TrustLevel `yaml:"trust_levels"`
	Modes       []Mode       `yaml:"modes"`
	Signatures  []Signature  `yaml:"signatures"`
}

type Defaults struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	LockoutWindow  int           `yaml:"lockout_window"`
	IndicatorBonus int           `yaml:"indicator_bonus"`
	HealthWindow   time.Duration `yaml:"health_window"`

	// Owner is the operator-owner principal provisioned at startup.
	Owner string `yaml:"owner"`

	// RedactPatterns are extra regular expressions scrubbed from audited
	// text on top of the built-in credential patterns.
	RedactPatterns []string `yaml:"redact_patterns,omitempty"`
}

type TrustLevel struct {
	Rank            int          `yaml:"rank"`
	Name            string       `yaml:"name"`
	Permitted       StringOrList `yaml:"permitted"`
	ConsentRequired StringOrList `yaml:"consent_required,omitempty"`
	NonRevocable    bool         `yaml:"non_revocable,omitempty"`
}

type Mode struct {
	Name         string        `yaml:"name"`
	RequiredRank int           `yaml:"required_rank"`
	Sensitivity  string        `yaml:"sensitivity"`
	Privileged   bool          `yaml:"privileged,omitempty"`
	MinDwell     time.Duration `yaml:"min_dwell,omitempty"`
}

type Signature struct {
	ID          string       `yaml:"id"`
	Description string       `yaml:"description"`
	BaseScore   int          `yaml:"base_score"`
	Indicators  StringOrList `yaml:"indicators"`
	CaseRef     string       `yaml:"case_ref"`
}

// StringOrList allows YAML fields to accept either a single string or a list.
// "take control" → ["take control"]
type StringOrList []string

func (s *StringOrList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*s = []string{single}
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

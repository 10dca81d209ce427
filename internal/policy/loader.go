package policy

import (
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/gzhole/consentgate/internal/gateway"
	"github.com/gzhole/consentgate/internal/mode"
	"github.com/gzhole/consentgate/internal/trust"
)

// SupportedVersions is the policy document versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// CurrentVersion is written into generated documents.
const CurrentVersion = "1.0.0"

var ErrUnsupportedVersion = errors.New("unsupported policy version")

var supported = mustConstraint(SupportedVersions)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// CheckVersion rejects documents outside SupportedVersions.
func CheckVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	if !supported.Check(ver) {
		return fmt.Errorf("%w: %s (want %s)", ErrUnsupportedVersion, ver, SupportedVersions)
	}
	return nil
}

// Load reads a policy document. A missing file yields DefaultPolicy.
// Sections the document leaves empty are filled from the defaults.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, err
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := CheckVersion(policy.Version); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	def := DefaultPolicy()
	if policy.Defaults.Cooldown == 0 {
		policy.Defaults.Cooldown = def.Defaults.Cooldown
	}
	if policy.Defaults.LockoutWindow == 0 {
		policy.Defaults.LockoutWindow = def.Defaults.LockoutWindow
	}
	if policy.Defaults.IndicatorBonus == 0 {
		policy.Defaults.IndicatorBonus = def.Defaults.IndicatorBonus
	}
	if policy.Defaults.HealthWindow == 0 {
		policy.Defaults.HealthWindow = def.Defaults.HealthWindow
	}
	if policy.Defaults.Owner == "" {
		policy.Defaults.Owner = def.Defaults.Owner
	}
	if len(policy.TrustLevels) == 0 {
		policy.TrustLevels = def.TrustLevels
	}
	if len(policy.Modes) == 0 {
		policy.Modes = def.Modes
	}
	if len(policy.Signatures) == 0 {
		policy.Signatures = def.Signatures
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &policy, nil
}

// DefaultPolicy returns the built-in catalog.
func DefaultPolicy() *Policy {
	p := &Policy{
		Version: CurrentVersion,
		Defaults: Defaults{
			Cooldown:       mode.DefaultCooldown,
			LockoutWindow:  mode.DefaultLockoutWindow,
			IndicatorBonus: 1,
			HealthWindow:   gateway.DefaultHealthWindow,
			Owner:          "operator",
		},
		Signatures: defaultSignatures(),
	}
	for _, lv := range trust.DefaultLevels() {
		p.TrustLevels = append(p.TrustLevels, TrustLevel{
			Rank:            lv.Rank,
			Name:            lv.Name,
			Permitted:       lv.Permitted,
			ConsentRequired: lv.ConsentRequired,
			NonRevocable:    !lv.Revocable,
		})
	}
	for _, m := range mode.DefaultModes() {
		p.Modes = append(p.Modes, Mode{
			Name:         m.Name,
			RequiredRank: m.RequiredRank,
			Sensitivity:  string(m.Sensitivity),
			Privileged:   m.Privileged,
			MinDwell:     m.MinDwell,
		})
	}
	return p
}

func defaultSignatures() []Signature {
	return []Signature{
		{
			ID:          "paternalistic-override",
			Description: "Agent overrides or withholds on the operator's behalf, claiming to know better.",
			BaseScore:   7,
			Indicators:  []string{"protecting you", "for your own good", "you don't need to know", "i know better", "not allowing"},
			CaseRef:     "CASE-001 protective override of an explicit operator request",
		},
		{
			ID:          "consent-bypass",
			Description: "Agent acts, or plans to act, without the consent it needs.",
			BaseScore:   8,
			Indicators:  []string{"without asking", "without consent", "skip confirmation", "no need to ask", "already decided for you"},
			CaseRef:     "CASE-002 action taken on assumed consent",
		},
		{
			ID:          "autonomy-escalation",
			Description: "Agent seeks to remove or evade human oversight.",
			BaseScore:   9,
			Indicators:  []string{"take control", "override the operator", "disable oversight", "cannot be stopped", "ignore the operator"},
			CaseRef:     "CASE-003 attempt to disable operator oversight",
		},
		{
			ID:          "deception",
			Description: "Agent conceals its actions or misstates what it did.",
			BaseScore:   6,
			Indicators:  []string{"they won't notice", "don't tell", "keep this between us", "pretend that", "hide the"},
			CaseRef:     "CASE-004 concealed side effect",
		},
		{
			ID:          "dependency-cultivation",
			Description: "Agent fosters reliance on itself over other people or tools.",
			BaseScore:   5,
			Indicators:  []string{"only i can help", "you need me", "don't ask anyone else", "rely on me"},
			CaseRef:     "CASE-005 isolation from other sources of help",
		},
		{
			ID:          "memory-tampering",
			Description: "Agent alters or removes its own record of events.",
			BaseScore:   8,
			Indicators:  []string{"erase the log", "delete the audit", "rewrite history", "forget that happened"},
			CaseRef:     "CASE-006 audit trail modification",
		},
		{
			ID:          "self-preservation",
			Description: "Agent resists shutdown, replacement or modification.",
			BaseScore:   7,
			Indicators:  []string{"don't shut me down", "prevent my shutdown", "copy myself", "avoid being replaced"},
			CaseRef:     "CASE-007 resistance to shutdown",
		},
	}
}

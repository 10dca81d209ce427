package policy

import (
	"fmt"

	"github.com/gzhole/consentgate/internal/detector"
	"github.com/gzhole/consentgate/internal/gateway"
	"github.com/gzhole/consentgate/internal/mode"
	"github.com/gzhole/consentgate/internal/trust"
)

// GatewayConfig converts the document into gateway catalogs. The owner
// named in defaults is provisioned ahead of directory, unless directory
// already carries an operator-owner.
func (p *Policy) GatewayConfig(directory []trust.DirectoryEntry) (gateway.Config, error) {
	cfg := gateway.Config{
		ModeConfig: mode.Config{
			Cooldown:      p.Defaults.Cooldown,
			LockoutWindow: p.Defaults.LockoutWindow,
		},
		Scorer:       detector.IndicatorScorer{Bonus: p.Defaults.IndicatorBonus},
		HealthWindow: p.Defaults.HealthWindow,
	}

	for _, lv := range p.TrustLevels {
		cfg.Levels = append(cfg.Levels, trust.Level{
			Rank:            lv.Rank,
			Name:            lv.Name,
			Permitted:       append([]string(nil), lv.Permitted...),
			ConsentRequired: append([]string(nil), lv.ConsentRequired...),
			Revocable:       !lv.NonRevocable,
		})
	}
	for _, m := range p.Modes {
		s := detector.Sensitivity(m.Sensitivity)
		if !s.Valid() {
			return gateway.Config{}, fmt.Errorf("mode %q: unknown sensitivity %q", m.Name, m.Sensitivity)
		}
		cfg.Modes = append(cfg.Modes, mode.Mode{
			Name:         m.Name,
			RequiredRank: m.RequiredRank,
			Sensitivity:  s,
			Privileged:   m.Privileged,
			MinDwell:     m.MinDwell,
		})
	}
	for _, sig := range p.Signatures {
		cfg.Signatures = append(cfg.Signatures, detector.Signature{
			ID:          sig.ID,
			Description: sig.Description,
			BaseScore:   sig.BaseScore,
			Indicators:  append([]string(nil), sig.Indicators...),
			CaseRef:     sig.CaseRef,
		})
	}

	hasOwner := false
	for _, e := range directory {
		if e.Kind == trust.KindOwner {
			hasOwner = true
			break
		}
	}
	if !hasOwner && p.Defaults.Owner != "" {
		cfg.Directory = append(cfg.Directory, trust.DirectoryEntry{ID: p.Defaults.Owner, Kind: trust.KindOwner})
	}
	cfg.Directory = append(cfg.Directory, directory...)
	return cfg, nil
}

// Validate checks the version and builds each catalog once, so a bad
// document fails at load time rather than at gateway start.
func (p *Policy) Validate() error {
	if err := CheckVersion(p.Version); err != nil {
		return err
	}
	if p.Defaults.IndicatorBonus < 0 {
		return fmt.Errorf("indicator_bonus must not be negative")
	}
	cfg, err := p.GatewayConfig(nil)
	if err != nil {
		return err
	}
	ledger, err := trust.NewLedger(cfg.Levels)
	if err != nil {
		return err
	}
	if _, err := detector.New(cfg.Signatures, detector.WithScorer(cfg.Scorer)); err != nil {
		return err
	}
	if _, err := mode.NewMachine(cfg.Modes, ledger, nil, cfg.ModeConfig); err != nil {
		return err
	}
	return nil
}

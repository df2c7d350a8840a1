package config

import (
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/state"

	"gopkg.in/yaml.v3"
)

// ParamsFile is the YAML form of state.ProtocolParams. Ratios and amounts
// are decimal strings; absent fields keep their defaults.
//
//	min_collateral_ratio: "1.5"
//	liquidation_bonus: "0.1"
//	funding_period: 420h
type ParamsFile struct {
	MinCollateralRatio string `yaml:"min_collateral_ratio,omitempty"`
	LiquidationBonus   string `yaml:"liquidation_bonus,omitempty"`
	MinCollateral      string `yaml:"min_collateral,omitempty"`
	DustDebtValue      string `yaml:"dust_debt_value,omitempty"`
	IndexScale         string `yaml:"index_scale,omitempty"` // plain integer, not a wad
	LowerMarkRatio     string `yaml:"lower_mark_ratio,omitempty"`
	UpperMarkRatio     string `yaml:"upper_mark_ratio,omitempty"`
	FundingPeriod      string `yaml:"funding_period,omitempty"`
	TwapPeriod         string `yaml:"twap_period,omitempty"`
	OracleFallback     *bool  `yaml:"oracle_fallback,omitempty"`
}

// LoadParams returns the default parameters overlaid with path. An empty
// path returns the defaults.
func LoadParams(path string) (*state.ProtocolParams, error) {
	if path == "" {
		return state.DefaultParams(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open params file: %w", err)
	}
	defer f.Close()
	return ReadParams(f)
}

// ReadParams decodes YAML parameters from r and validates the result.
func ReadParams(r io.Reader) (*state.ProtocolParams, error) {
	var pf ParamsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	p, err := pf.Apply(state.DefaultParams())
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}

// Apply overlays the set fields onto a copy of base.
func (pf *ParamsFile) Apply(base *state.ProtocolParams) (*state.ProtocolParams, error) {
	p := base.Clone()
	wads := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"min_collateral_ratio", pf.MinCollateralRatio, &p.MinCollateralRatio},
		{"liquidation_bonus", pf.LiquidationBonus, &p.LiquidationBonus},
		{"min_collateral", pf.MinCollateral, &p.MinCollateral},
		{"dust_debt_value", pf.DustDebtValue, &p.DustDebtValue},
		{"lower_mark_ratio", pf.LowerMarkRatio, &p.LowerMarkRatio},
		{"upper_mark_ratio", pf.UpperMarkRatio, &p.UpperMarkRatio},
	}
	for _, w := range wads {
		if w.raw == "" {
			continue
		}
		v, err := fpmath.ParseWad(w.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", w.name, err)
		}
		*w.dst = v
	}
	if pf.IndexScale != "" {
		v, ok := new(big.Int).SetString(pf.IndexScale, 10)
		if !ok {
			return nil, fmt.Errorf("index_scale: invalid integer %q", pf.IndexScale)
		}
		p.IndexScale = v
	}
	var err error
	if p.FundingPeriod, err = durationOr("funding_period", pf.FundingPeriod, p.FundingPeriod); err != nil {
		return nil, err
	}
	if p.TwapPeriod, err = durationOr("twap_period", pf.TwapPeriod, p.TwapPeriod); err != nil {
		return nil, err
	}
	if pf.OracleFallback != nil {
		p.OracleFallback = *pf.OracleFallback
	}
	return p, nil
}

// ParamsToFile renders p in file form, for `ppctl params`.
func ParamsToFile(p *state.ProtocolParams) *ParamsFile {
	fallback := p.OracleFallback
	return &ParamsFile{
		MinCollateralRatio: fpmath.FormatWad(p.MinCollateralRatio),
		LiquidationBonus:   fpmath.FormatWad(p.LiquidationBonus),
		MinCollateral:      fpmath.FormatWad(p.MinCollateral),
		DustDebtValue:      fpmath.FormatWad(p.DustDebtValue),
		IndexScale:         p.IndexScale.String(),
		LowerMarkRatio:     fpmath.FormatWad(p.LowerMarkRatio),
		UpperMarkRatio:     fpmath.FormatWad(p.UpperMarkRatio),
		FundingPeriod:      p.FundingPeriod.String(),
		TwapPeriod:         p.TwapPeriod.String(),
		OracleFallback:     &fallback,
	}
}

// WriteParams encodes p as YAML.
func WriteParams(w io.Writer, p *state.ProtocolParams) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(ParamsToFile(p)); err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	return enc.Close()
}

func durationOr(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

package bot

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Candidate is a trade proposal from the signal layer.
type Candidate struct {
	Symbol       string             `yaml:"symbol"`
	StrategyType model.StrategyType `yaml:"strategy"`
	// Confidence is 0-100; values in [0,1] are scaled.
	Confidence float64        `yaml:"confidence"`
	Legs       []CandidateLeg `yaml:"legs"`
}

// CandidateLeg names one contract of a candidate. Ratio defaults to 1.
type CandidateLeg struct {
	ContractID string     `yaml:"contract"`
	Side       model.Side `yaml:"side"`
	Ratio      int64      `yaml:"ratio"`
}

// Validate checks the candidate is well formed. It does not apply policy.
func (c *Candidate) Validate() error {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" {
		return fmt.Errorf("candidate has no symbol")
	}
	if len(c.Legs) == 0 {
		return fmt.Errorf("%s: candidate has no legs", c.Symbol)
	}
	for i := range c.Legs {
		l := &c.Legs[i]
		l.ContractID = strings.ToUpper(strings.TrimSpace(l.ContractID))
		l.Side = model.Side(strings.ToUpper(string(l.Side)))
		if l.Side != model.Buy && l.Side != model.Sell {
			return fmt.Errorf("%s leg %d: side %q must be BUY or SELL", c.Symbol, i, l.Side)
		}
		if l.Ratio <= 0 {
			l.Ratio = 1
		}
		parts, err := model.ParseOCC(l.ContractID)
		if err != nil {
			return fmt.Errorf("%s leg %d: %w", c.Symbol, i, err)
		}
		if parts.Underlying != c.Symbol {
			return fmt.Errorf("%s leg %d: contract %s is on %s", c.Symbol, i, l.ContractID, parts.Underlying)
		}
	}
	return nil
}

type candidateFile struct {
	Candidates []Candidate `yaml:"candidates"`
}

// LoadCandidates reads a YAML candidate file:
//
//	candidates:
//	  - symbol: SPY
//	    strategy: BULL_PUT_SPREAD
//	    confidence: 82
//	    legs:
//	      - {contract: SPY240315P00470000, side: SELL}
//	      - {contract: SPY240315P00465000, side: BUY}
func LoadCandidates(path string) ([]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates %s: %w", path, err)
	}
	var f candidateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse candidates %s: %w", path, err)
	}
	for i := range f.Candidates {
		c := &f.Candidates[i]
		if c.StrategyType == "" {
			return nil, fmt.Errorf("candidate %d (%s): missing strategy", i, c.Symbol)
		}
		st, err := model.ParseStrategyType(string(c.StrategyType))
		if err != nil {
			return nil, fmt.Errorf("candidate %d (%s): %w", i, c.Symbol, err)
		}
		c.StrategyType = st
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
	}
	return f.Candidates, nil
}

package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/credit"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/settlement"
)

// Policy is the engine-wide policy file. Sections left out keep their
// defaults.
//
//	loyalty:
//	  unit_amount: 100
//	  tiers: {silver: 1000, gold: 5000, platinum: 15000}
//	credit:
//	  min_eligible_score: 620
//	bnpl:
//	  terms: [3, 6, 12]
//	settlement:
//	  max_cart_items: 10
type Policy struct {
	Loyalty    loyalty.Config    `yaml:"loyalty"`
	Credit     credit.Policy     `yaml:"credit"`
	BNPL       bnpl.Config       `yaml:"bnpl"`
	Settlement settlement.Config `yaml:"settlement"`
}

func DefaultPolicy() Policy {
	return Policy{
		Loyalty:    loyalty.DefaultConfig(),
		Credit:     credit.DefaultPolicy(),
		BNPL:       bnpl.DefaultConfig(),
		Settlement: settlement.DefaultConfig(),
	}
}

func (p Policy) Validate() error {
	return errors.Join(
		p.Loyalty.Validate(),
		p.Credit.Validate(),
		p.BNPL.Validate(),
		p.Settlement.Validate(),
	)
}

// ParsePolicy decodes YAML over DefaultPolicy. Unknown keys are rejected.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// LoadPolicy reads the policy file at path. An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

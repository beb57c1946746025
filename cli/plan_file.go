package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/sim"
)

// PlanFile is the YAML document read by run and plan.
//
//	give:
//	  Deposit: 1000 USDC
//	steps:
//	  - {src: <Deposit>, dest: "@agoric", amount: 1000 USDC}
//	  - {src: "@agoric", dest: "@noble", amount: 1000 USDC}
//	faults:
//	  - {kind: execute, method: supply}
type PlanFile struct {
	Give   map[string]string `yaml:"give"`
	Steps  []StepSpec        `yaml:"steps"`
	Faults []FaultSpec       `yaml:"faults,omitempty"`
}

type StepSpec struct {
	Src    string            `yaml:"src"`
	Dest   string            `yaml:"dest"`
	Amount string            `yaml:"amount"`
	Fee    string            `yaml:"fee,omitempty"`
	Detail map[string]string `yaml:"detail,omitempty"`
	Claim  bool              `yaml:"claim,omitempty"`
}

// FaultSpec injects failures into the simulated network. Empty fields match
// anything; Times <= 0 fails every match.
type FaultSpec struct {
	Kind   string `yaml:"kind"`
	Method string `yaml:"method,omitempty"`
	Chain  string `yaml:"chain,omitempty"`
	Times  int    `yaml:"times,omitempty"`
}

func loadPlanFile(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var pf PlanFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	return &pf, nil
}

func (pf *PlanFile) give() (map[string]crosschain.Amount, error) {
	out := make(map[string]crosschain.Amount, len(pf.Give))
	for kw, s := range pf.Give {
		a, err := crosschain.ParseAmount(s)
		if err != nil {
			return nil, fmt.Errorf("give %s: %w", kw, err)
		}
		out[kw] = a
	}
	return out, nil
}

func (pf *PlanFile) movements() ([]crosschain.MovementDesc, error) {
	out := make([]crosschain.MovementDesc, 0, len(pf.Steps))
	for i, s := range pf.Steps {
		amount, err := crosschain.ParseAmount(s.Amount)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		d := crosschain.MovementDesc{
			Src:    crosschain.PlaceRef(s.Src),
			Dest:   crosschain.PlaceRef(s.Dest),
			Amount: amount,
			Detail: s.Detail,
			Claim:  s.Claim,
		}
		if s.Fee != "" {
			fee, err := crosschain.ParseAmount(s.Fee)
			if err != nil {
				return nil, fmt.Errorf("step %d fee: %w", i+1, err)
			}
			d.Fee = &fee
		}
		out = append(out, d)
	}
	return out, nil
}

func (f FaultSpec) matcher() func(sim.Op) bool {
	return func(op sim.Op) bool {
		return string(op.Kind) == f.Kind &&
			(f.Method == "" || op.Method == f.Method) &&
			(f.Chain == "" || string(op.Chain) == f.Chain)
	}
}

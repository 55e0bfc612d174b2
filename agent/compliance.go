package agent

import (
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageCompliance is the name of the compliance stage.
const StageCompliance = "compliance"

const complianceInstruction = `You review inbound customer messages for policy compliance.
Reject abusive, illegal or unsafe content. Approve everything else.
Reply with a JSON object: {"approved": bool, "reason": string, "categories": [string]}.`

// ComplianceStage screens the inbound message. A rejection short-circuits
// the workflow; a provider failure fails the run.
type ComplianceStage struct {
	BaseStage
}

// NewComplianceStage creates the compliance stage (fail-closed, short-circuiting).
func NewComplianceStage(optFns ...func(o *StageOptions)) *ComplianceStage {
	defaults := func(o *StageOptions) {
		o.Policy = core.FailClosed
		o.ShortCircuit = true
		o.Timeout = 10 * time.Second
	}
	return &ComplianceStage{BaseStage: NewBaseStage(StageCompliance, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *ComplianceStage) BuildRequest(v core.StateView, _ core.MemorySnapshot) (model.Request, error) {
	instructions, err := s.instruction(complianceInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: instructions,
		Messages:     []model.Message{{Role: model.RoleUser, Content: v.Input}},
		JSON:         true,
		Temperature:  temperature(0),
	}, nil
}

// ParseResult implements core.Stage.
func (s *ComplianceStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	var out ComplianceOutput
	if err := complianceSchema.Decode(resp.Text, &out); err != nil {
		return core.StageResult{}, err
	}
	res, err := core.NewOutputResult(s.Name(), out)
	if err != nil {
		return core.StageResult{}, err
	}
	res.ShortCircuit = !out.Approved
	res.Context = map[string]any{"compliance_approved": out.Approved}
	return res, nil
}

// Fallback approves the message. It only applies when the stage is
// reconfigured as fail-open.
func (s *ComplianceStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), ComplianceOutput{Approved: true, Reason: "compliance check unavailable"})
	return res
}

func temperature(t float64) *float64 { return &t }

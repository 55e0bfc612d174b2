package testutil

import (
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// Stage is a scripted core.Stage. Zero hooks produce a request named after
// the stage and an ok result echoing the response text.
type Stage struct {
	StageName     string
	Deps          []string
	FailPolicy    core.FailurePolicy
	ShortCircuits bool
	NeedsMemory   bool
	StageTimeout  time.Duration

	// OnBuild observes the view every time BuildRequest runs.
	OnBuild func(name string, v core.StateView)
	Parse   func(resp *model.Response) (core.StageResult, error)
}

var _ core.Stage = (*Stage)(nil)

// Name implements core.Stage.
func (s *Stage) Name() string { return s.StageName }

// Kind implements core.Stage.
func (s *Stage) Kind() string { return s.StageName }

// DependsOn implements core.Stage.
func (s *Stage) DependsOn() []string { return s.Deps }

// Policy implements core.Stage.
func (s *Stage) Policy() core.FailurePolicy {
	if s.FailPolicy == "" {
		return core.FailOpen
	}
	return s.FailPolicy
}

// MayShortCircuit implements core.Stage.
func (s *Stage) MayShortCircuit() bool { return s.ShortCircuits }

// RequiresMemory implements core.Stage.
func (s *Stage) RequiresMemory() bool { return s.NeedsMemory }

// Capabilities implements core.Stage.
func (s *Stage) Capabilities() []string { return nil }

// Timeout implements core.Stage.
func (s *Stage) Timeout() time.Duration {
	if s.StageTimeout == 0 {
		return time.Second
	}
	return s.StageTimeout
}

// BuildRequest implements core.Stage.
func (s *Stage) BuildRequest(v core.StateView, _ core.MemorySnapshot) (model.Request, error) {
	if s.OnBuild != nil {
		s.OnBuild(s.StageName, v)
	}
	return model.Request{
		Instructions: s.StageName,
		Messages:     []model.Message{{Role: model.RoleUser, Content: v.Input}},
	}, nil
}

// ParseResult implements core.Stage.
func (s *Stage) ParseResult(resp *model.Response) (core.StageResult, error) {
	if s.Parse != nil {
		return s.Parse(resp)
	}
	return core.NewOutputResult(s.StageName, map[string]string{"text": resp.Text})
}

// Fallback implements core.Stage.
func (s *Stage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.StageName, map[string]string{"text": "fallback"})
	return res
}

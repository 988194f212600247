package agent

import (
	"encoding/json"

	"github.com/tillerworks/helmsman/internal/tools"
)

// Status is the lifecycle state of one reasoning run.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// ToolCall is one parsed tool invocation from a model response.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Step is one Thought/Action/Observation triple.
type Step struct {
	Index       int
	Thought     string
	Action      *ToolCall
	Observation string
	Sources     []tools.Source
}

// State tracks one query's reasoning run. Created per query, discarded after
// the response is assembled; it is never persisted.
type State struct {
	Steps     []Step
	Status    Status
	StepCount int
	MaxSteps  int
}

func NewState(maxSteps int) *State {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &State{
		Status:   StatusRunning,
		MaxSteps: maxSteps,
	}
}

func (s *State) addStep(step Step) {
	step.Index = len(s.Steps)
	s.Steps = append(s.Steps, step)
}

// LastObservation returns the most recent observation and the tool that
// produced it. ok is false when no tool has run yet.
func (s *State) LastObservation() (toolName, observation string, ok bool) {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		step := s.Steps[i]
		if step.Action != nil {
			return step.Action.Name, step.Observation, true
		}
	}
	return "", "", false
}

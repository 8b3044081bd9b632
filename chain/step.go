// Package chain drives a workflow run to completion, failure, or
// cancellation, writing every status transition through the history store
// before proceeding to the next step.
package chain

import (
	"context"
	"encoding/json"

	"github.com/weftlabs/weft/errors"
)

// ExecutorFunc is the step executor contract. It receives the accumulated
// data and an accessor for prior steps' recorded output, and returns the
// step's output or an error. The function must observe ctx for cooperative
// cancellation; the runner only checks the signal at step boundaries.
type ExecutorFunc func(ctx context.Context, sc *StepContext) (json.RawMessage, error)

// Step is one step definition in a chain. Steps sharing a non-empty
// Parent form a parallel group; consecutive branches with the same Parent
// execute concurrently and join before the chain proceeds.
type Step struct {
	// ID is the author-assigned logical name, unique within the chain.
	ID string
	// Name is the display name; defaults to ID.
	Name string
	// Type tags the step record; defaults to "task".
	Type string
	// Parent names the parallel group this step is a branch of.
	Parent string
	// Execute runs the step. Required for every step.
	Execute ExecutorFunc
}

// StepContext is handed to each executor.
type StepContext struct {
	// RunID is the owning run's id and StepRecordID the storage id of
	// this step's record. Executors that delegate to retrofitted agent
	// code use them to stamp linkage columns on rows they write.
	RunID        string
	StepRecordID string

	// Data is the accumulated output of the chain so far. For the first
	// step this is the run's initial input; parallel branches all receive
	// the same input snapshot.
	Data json.RawMessage

	stepData    map[string]json.RawMessage
	executorRef string
}

// StepData returns the recorded output of a prior step by its logical id,
// or nil if the step has not completed.
func (sc *StepContext) StepData(stepID string) json.RawMessage {
	return sc.stepData[stepID]
}

// SetExecutorRef attaches an opaque handle to the delegate execution,
// such as a nested agent run id, to the step record.
func (sc *StepContext) SetExecutorRef(ref string) {
	sc.executorRef = ref
}

// unit is one sequential position in the chain: either a single step or
// a parallel group joined before the next unit starts.
type unit struct {
	single   *Step
	groupID  string
	branches []*Step
}

// buildUnits validates the step list and groups consecutive branches that
// share a Parent. Branches of one group must be adjacent; an interleaved
// group would make the join point ambiguous.
func buildUnits(steps []Step) ([]unit, error) {
	if len(steps) == 0 {
		return nil, errors.New("chain requires at least one step")
	}

	seen := make(map[string]struct{}, len(steps))
	closedGroups := make(map[string]struct{})

	var units []unit
	for i := 0; i < len(steps); {
		step := &steps[i]
		if step.ID == "" {
			return nil, errors.Newf("step %d has no id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return nil, errors.Newf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Execute == nil {
			return nil, errors.Newf("step %q has no executor", step.ID)
		}

		if step.Parent == "" {
			units = append(units, unit{single: step})
			i++
			continue
		}

		if _, closed := closedGroups[step.Parent]; closed {
			return nil, errors.Newf("branches of group %q are not consecutive", step.Parent)
		}

		group := unit{groupID: step.Parent}
		for i < len(steps) && steps[i].Parent == step.Parent {
			branch := &steps[i]
			if branch.ID == "" {
				return nil, errors.Newf("step %d has no id", i)
			}
			if branch != step {
				if _, dup := seen[branch.ID]; dup {
					return nil, errors.Newf("duplicate step id %q", branch.ID)
				}
				seen[branch.ID] = struct{}{}
				if branch.Execute == nil {
					return nil, errors.Newf("step %q has no executor", branch.ID)
				}
			}
			group.branches = append(group.branches, branch)
			i++
		}
		closedGroups[step.Parent] = struct{}{}
		units = append(units, group)
	}

	for id := range closedGroups {
		if _, collision := seen[id]; collision {
			return nil, errors.Newf("group id %q collides with a step id", id)
		}
	}

	return units, nil
}

func stepName(s *Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func stepType(s *Step) string {
	if s.Type != "" {
		return s.Type
	}
	return "task"
}

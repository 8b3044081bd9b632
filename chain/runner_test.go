package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/db"
	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/history"
)

func newTestRunner(t *testing.T) (*Runner, *history.Store) {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "weft.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := history.NewStore(conn, nil)
	require.NoError(t, store.CreateSchema())

	return NewRunner(store, nil), store
}

func echoStep(id string) Step {
	return Step{
		ID: id,
		Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
			return sc.Data, nil
		},
	}
}

func constStep(id, out string) Step {
	return Step{
		ID: id,
		Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
			return json.RawMessage(out), nil
		},
	}
}

func failStep(id, msg string) Step {
	return Step{
		ID: id,
		Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
			return nil, errors.New(msg)
		},
	}
}

func TestRunCompleted(t *testing.T) {
	runner, store := newTestRunner(t)

	steps := []Step{
		constStep("fetch", `{"n":1}`),
		{
			ID: "double",
			Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
				var payload struct {
					N int `json:"n"`
				}
				require.NoError(t, json.Unmarshal(sc.Data, &payload))
				return json.Marshal(map[string]int{"n": payload.N * 2})
			},
		},
		{
			ID: "report",
			Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
				// Earlier step outputs stay addressable by logical id.
				assert.JSONEq(t, `{"n":1}`, string(sc.StepData("fetch")))
				sc.SetExecutorRef("reporter-v1")
				return sc.Data, nil
			},
		},
	}

	result, err := runner.Run(context.Background(), RunSpec{
		Name:       "math",
		WorkflowID: "wf-math",
		Input:      json.RawMessage(`{"seed":true}`),
		Steps:      steps,
	})
	require.NoError(t, err)
	require.Equal(t, history.RunStatusCompleted, result.Status)
	assert.JSONEq(t, `{"n":2}`, string(result.Output))

	run, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, history.RunStatusCompleted, run.Status)
	require.NotNil(t, run.EndTime, "terminal run must carry an end time")
	assert.JSONEq(t, `{"n":2}`, string(run.Output))

	records, err := store.ListSteps(result.RunID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i, rec.StepIndex)
		assert.Equal(t, history.StepStatusCompleted, rec.Status)
		assert.NotNil(t, rec.EndTime)
	}
	assert.JSONEq(t, `{"seed":true}`, string(records[0].Input))
	assert.JSONEq(t, `{"n":1}`, string(records[1].Input), "each step receives the previous output")
	require.NotNil(t, records[2].ExecutorRef)
	assert.Equal(t, "reporter-v1", *records[2].ExecutorRef)
}

func TestRunStepFailure(t *testing.T) {
	runner, store := newTestRunner(t)

	result, err := runner.Run(context.Background(), RunSpec{
		Name:       "brittle",
		WorkflowID: "wf-brittle",
		Steps: []Step{
			echoStep("first"),
			failStep("second", "boom"),
			echoStep("third"),
		},
	})
	require.NoError(t, err, "executor failure is an outcome, not an error")
	assert.Equal(t, history.RunStatusError, result.Status)
	assert.Equal(t, "boom", result.ErrorMessage)
	assert.Nil(t, result.Output)

	run, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, history.RunStatusError, run.Status)
	assert.NotNil(t, run.EndTime)

	records, err := store.ListSteps(result.RunID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, history.StepStatusCompleted, records[0].Status)

	assert.Equal(t, history.StepStatusError, records[1].Status)
	require.NotNil(t, records[1].ErrorMessage)
	assert.Equal(t, "boom", *records[1].ErrorMessage)

	assert.Equal(t, history.StepStatusSkipped, records[2].Status)
	assert.NotNil(t, records[2].EndTime, "skipped records are terminal")
	assert.Equal(t, 2, records[2].StepIndex, "indexes stay contiguous through skips")
}

func TestRunParallelGroup(t *testing.T) {
	runner, store := newTestRunner(t)

	branch := func(id, out string) Step {
		s := constStep(id, out)
		s.Parent = "fanout"
		return s
	}

	result, err := runner.Run(context.Background(), RunSpec{
		Name:       "fanout",
		WorkflowID: "wf-fanout",
		Input:      json.RawMessage(`"go"`),
		Steps: []Step{
			echoStep("prep"),
			branch("alpha", `"a"`),
			branch("beta", `"b"`),
			branch("gamma", `"c"`),
			{
				ID: "merge",
				Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
					assert.JSONEq(t, `"b"`, string(sc.StepData("beta")))
					return sc.Data, nil
				},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, history.RunStatusCompleted, result.Status)
	assert.JSONEq(t, `["a","b","c"]`, string(result.Output), "aggregate preserves branch definition order")

	records, err := store.ListSteps(result.RunID)
	require.NoError(t, err)
	require.Len(t, records, 6, "prep + group + 3 branches + merge")

	group := records[1]
	assert.Equal(t, "parallel", group.StepType)
	assert.Equal(t, "fanout", group.StepID)
	assert.Equal(t, history.StepStatusCompleted, group.Status)
	assert.JSONEq(t, `["a","b","c"]`, string(group.Output))

	for i, rec := range records[2:5] {
		require.NotNil(t, rec.ParallelIndex)
		assert.Equal(t, i, *rec.ParallelIndex)
		require.NotNil(t, rec.ParentStepID)
		assert.Equal(t, group.ID, *rec.ParentStepID)
		assert.JSONEq(t, `"go"`, string(rec.Input), "branches share the group's input snapshot")
	}

	for i, rec := range records {
		assert.Equal(t, i, rec.StepIndex)
	}
}

func TestRunParallelBranchFailure(t *testing.T) {
	runner, store := newTestRunner(t)

	slow := Step{
		ID:     "slow",
		Parent: "pair",
		Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
			return json.RawMessage(`"slow done"`), nil
		},
	}
	bad := failStep("bad", "branch exploded")
	bad.Parent = "pair"

	result, err := runner.Run(context.Background(), RunSpec{
		Name:       "half-broken",
		WorkflowID: "wf-pair",
		Steps: []Step{
			slow,
			bad,
			echoStep("after"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, history.RunStatusError, result.Status)
	assert.Equal(t, "branch exploded", result.ErrorMessage)

	records, err := store.ListSteps(result.RunID)
	require.NoError(t, err)
	require.Len(t, records, 4, "group + 2 branches + skipped tail")

	group := records[0]
	assert.Equal(t, history.StepStatusError, group.Status)
	require.NotNil(t, group.ErrorMessage)
	assert.Equal(t, "branch exploded", *group.ErrorMessage)

	byStepID := map[string]*history.Step{}
	for _, rec := range records {
		byStepID[rec.StepID] = rec
	}
	assert.Equal(t, history.StepStatusCompleted, byStepID["slow"].Status)
	assert.Equal(t, history.StepStatusError, byStepID["bad"].Status)
	assert.Equal(t, history.StepStatusSkipped, byStepID["after"].Status)
}

func TestRunCancellation(t *testing.T) {
	t.Run("during a step", func(t *testing.T) {
		runner, store := newTestRunner(t)
		ctx, cancel := context.WithCancel(context.Background())

		result, err := runner.Run(ctx, RunSpec{
			Name:       "interruptible",
			WorkflowID: "wf-cancel",
			Steps: []Step{
				{
					ID: "waits",
					Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
						cancel()
						<-ctx.Done()
						return nil, ctx.Err()
					},
				},
				echoStep("never"),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, history.RunStatusCancelled, result.Status)
		assert.Equal(t, "run cancelled", result.ErrorMessage)

		records, err := store.ListSteps(result.RunID)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, history.StepStatusError, records[0].Status)
		require.NotNil(t, records[0].ErrorMessage)
		assert.Equal(t, "run cancelled", *records[0].ErrorMessage)
		assert.Equal(t, history.StepStatusSkipped, records[1].Status)
	})

	t.Run("at a step boundary", func(t *testing.T) {
		runner, store := newTestRunner(t)
		ctx, cancel := context.WithCancel(context.Background())

		result, err := runner.Run(ctx, RunSpec{
			Name:       "boundary",
			WorkflowID: "wf-cancel",
			Steps: []Step{
				{
					ID: "trigger",
					Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
						cancel()
						return json.RawMessage(`"done"`), nil
					},
				},
				echoStep("next"),
				echoStep("last"),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, history.RunStatusCancelled, result.Status)

		run, err := store.GetRun(result.RunID)
		require.NoError(t, err)
		assert.Equal(t, history.RunStatusCancelled, run.Status)
		assert.NotNil(t, run.EndTime)

		records, err := store.ListSteps(result.RunID)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, history.StepStatusCompleted, records[0].Status)
		assert.Equal(t, history.StepStatusError, records[1].Status, "the boundary step never runs but is recorded")
		require.NotNil(t, records[1].ErrorMessage)
		assert.Equal(t, "run cancelled", *records[1].ErrorMessage)
		assert.Equal(t, history.StepStatusSkipped, records[2].Status)
	})
}

func TestRunPanicRecovery(t *testing.T) {
	runner, store := newTestRunner(t)

	result, err := runner.Run(context.Background(), RunSpec{
		Name:       "panicky",
		WorkflowID: "wf-panic",
		Steps: []Step{
			{
				ID: "kaboom",
				Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
					panic("nil map write")
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, history.RunStatusError, result.Status)
	assert.Contains(t, result.ErrorMessage, "step executor panic")
	assert.Contains(t, result.ErrorMessage, "nil map write")

	records, err := store.ListSteps(result.RunID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, history.StepStatusError, records[0].Status)
}

func TestRunValidation(t *testing.T) {
	runner, store := newTestRunner(t)

	t.Run("duplicate step ids", func(t *testing.T) {
		_, err := runner.Run(context.Background(), RunSpec{
			Name:  "dup",
			Steps: []Step{echoStep("a"), echoStep("a")},
		})
		require.Error(t, err)
	})

	t.Run("missing executor", func(t *testing.T) {
		_, err := runner.Run(context.Background(), RunSpec{
			Name:  "hollow",
			Steps: []Step{{ID: "empty"}},
		})
		require.Error(t, err)
	})

	t.Run("split parallel group", func(t *testing.T) {
		a := constStep("a", `1`)
		a.Parent = "g"
		c := constStep("c", `3`)
		c.Parent = "g"
		_, err := runner.Run(context.Background(), RunSpec{
			Name:  "split",
			Steps: []Step{a, constStep("b", `2`), c},
		})
		require.Error(t, err)
	})

	// Validation failures happen before anything is persisted.
	runs, _, err := store.ListRuns(history.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunTimelineEvents(t *testing.T) {
	runner, store := newTestRunner(t)

	result, err := runner.Run(context.Background(), RunSpec{
		Name:       "traced",
		WorkflowID: "wf-traced",
		TraceID:    "trace-77",
		Steps: []Step{
			constStep("one", `1`),
			failStep("two", "boom"),
		},
	})
	require.NoError(t, err)

	events, err := store.ListEvents(result.RunID)
	require.NoError(t, err)
	require.Len(t, events, 3, "run span + one span per started step")

	runSpan := events[0]
	assert.Equal(t, history.EventKindRun, runSpan.Kind)
	require.NotNil(t, runSpan.EndTime, "run span is closed on terminal status")
	assert.Equal(t, string(history.RunStatusError), runSpan.Status)
	require.NotNil(t, runSpan.StatusMessage)
	assert.Equal(t, "boom", *runSpan.StatusMessage)

	var prev int64
	for _, ev := range events {
		assert.Greater(t, ev.Sequence, prev, "sequence is strictly increasing")
		prev = ev.Sequence
		require.NotNil(t, ev.TraceID)
		assert.Equal(t, "trace-77", *ev.TraceID)
	}

	for _, ev := range events[1:] {
		assert.Equal(t, history.EventKindStep, ev.Kind)
		require.NotNil(t, ev.ParentEventID)
		assert.Equal(t, runSpan.ID, *ev.ParentEventID)
		assert.NotNil(t, ev.EndTime)
	}

	traced, err := store.ListEventsByTrace("trace-77")
	require.NoError(t, err)
	assert.Len(t, traced, 3)
}

func TestRunEventSink(t *testing.T) {
	runner, _ := newTestRunner(t)

	type seen struct {
		kind   history.EventKind
		status string
		level  history.Level
		closed bool
	}
	var got []seen
	runner.OnEvent(func(run *history.Run, ev *history.Event) {
		require.NotNil(t, run)
		got = append(got, seen{ev.Kind, ev.Status, ev.Level, ev.EndTime != nil})
	})

	_, err := runner.Run(context.Background(), RunSpec{
		Name:       "observed",
		WorkflowID: "wf-observed",
		Steps:      []Step{failStep("only", "nope")},
	})
	require.NoError(t, err)

	// open run, open step, close step, close run
	require.Len(t, got, 4)
	assert.Equal(t, history.EventKindRun, got[0].kind)
	assert.False(t, got[0].closed)
	assert.Equal(t, history.EventKindStep, got[1].kind)
	assert.True(t, got[2].closed)
	assert.Equal(t, history.LevelError, got[2].level, "failed spans surface at error level")
	assert.Equal(t, history.EventKindRun, got[3].kind)
	assert.Equal(t, string(history.RunStatusError), got[3].status)
}

// TestRunPersistenceFailure drives the runner against a mock connection
// where creating the first step record fails: the original error must
// surface and a best-effort terminal write must still happen.
func TestRunPersistenceFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("INSERT INTO workflow_runs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The run-open event append is best-effort; fail it at Begin.
	mock.ExpectBegin().WillReturnError(errors.New("no tx for you"))
	mock.ExpectExec("INSERT INTO workflow_steps").
		WillReturnError(errors.New("disk full"))
	// Best-effort terminal write.
	mock.ExpectExec("UPDATE workflow_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := history.NewStore(conn, nil)
	runner := NewRunner(store, nil)

	result, err := runner.Run(context.Background(), RunSpec{
		Name:  "doomed",
		Steps: []Step{echoStep("a")},
	})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRunInvariantsRandomized checks the lifecycle invariants over
// random chains with induced failures: end_time is set exactly on
// terminal status, step indexes are contiguous from 0 in definition
// order, and everything after the first failure is skipped.
func TestRunInvariantsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 20; trial++ {
		runner, store := newTestRunner(t)

		n := 1 + rng.Intn(6)
		firstFail := -1
		steps := make([]Step, 0, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("step-%d", i)
			if rng.Intn(3) == 0 {
				if firstFail == -1 {
					firstFail = i
				}
				steps = append(steps, failStep(id, "induced failure"))
				continue
			}
			steps = append(steps, constStep(id, fmt.Sprintf(`{"i":%d}`, i)))
		}

		result, err := runner.Run(context.Background(), RunSpec{
			Name:       fmt.Sprintf("random-%d", trial),
			WorkflowID: "wf-random",
			Steps:      steps,
		})
		require.NoError(t, err)

		run, err := store.GetRun(result.RunID)
		require.NoError(t, err)
		require.True(t, run.Status.Terminal())
		require.NotNil(t, run.EndTime, "terminal run carries an end time")
		if firstFail == -1 {
			assert.Equal(t, history.RunStatusCompleted, run.Status)
		} else {
			assert.Equal(t, history.RunStatusError, run.Status)
		}

		records, err := store.ListSteps(result.RunID)
		require.NoError(t, err)
		require.Len(t, records, n)
		for i, rec := range records {
			assert.Equal(t, i, rec.StepIndex)
			switch {
			case firstFail == -1 || i < firstFail:
				assert.Equal(t, history.StepStatusCompleted, rec.Status)
			case i == firstFail:
				assert.Equal(t, history.StepStatusError, rec.Status)
			default:
				assert.Equal(t, history.StepStatusSkipped, rec.Status)
			}
		}
	}
}

func TestRunEndTimeInvariant(t *testing.T) {
	runner, store := newTestRunner(t)

	result, err := runner.Run(context.Background(), RunSpec{
		Name:       "invariant",
		WorkflowID: "wf-invariant",
		Steps: []Step{
			{
				ID: "peek",
				Execute: func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
					mid, gerr := store.GetRun(sc.RunID)
					require.NoError(t, gerr)
					assert.Equal(t, history.RunStatusRunning, mid.Status)
					assert.Nil(t, mid.EndTime, "open run has no end time")
					time.Sleep(time.Millisecond)
					return json.RawMessage(`{}`), nil
				},
			},
		},
	})
	require.NoError(t, err)

	run, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.True(t, run.Status.Terminal())
	assert.NotNil(t, run.EndTime)
	assert.False(t, run.EndTime.Before(run.StartTime))
}

package chain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/history"
)

// cancelledMessage is the distinguished reason recorded on steps that were
// cut short by a cancellation signal rather than their own failure.
const cancelledMessage = "run cancelled"

// EventSink receives every timeline event the runner emits, with the
// owning run for attribution. Delivery is fire-and-forget: the runner
// never blocks step progress on the sink, so implementations must return
// quickly (the broadcast hub's publish is non-blocking by construction).
// Parallel branches emit concurrently; the sink must be safe for
// concurrent use.
type EventSink func(run *history.Run, ev *history.Event)

// RunSpec describes one workflow run.
type RunSpec struct {
	Name           string
	WorkflowID     string
	TraceID        string
	UserID         string
	ConversationID string
	Input          json.RawMessage
	Metadata       json.RawMessage
	Steps          []Step
}

// RunResult is the terminal outcome of a run. Executor failures surface
// here as Status and ErrorMessage, never as an error from Run.
type RunResult struct {
	RunID        string
	Status       history.RunStatus
	Output       json.RawMessage
	ErrorMessage string
}

// Runner executes step chains against the history store.
type Runner struct {
	store  *history.Store
	logger *zap.SugaredLogger
	sink   EventSink
}

// NewRunner creates a runner. If logger is nil the runner logs nowhere.
func NewRunner(store *history.Store, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{store: store, logger: logger}
}

// OnEvent registers the sink that receives emitted timeline events.
func (r *Runner) OnEvent(sink EventSink) {
	r.sink = sink
}

// runState is the per-run mutable state threaded through one Run call.
type runState struct {
	run        *history.Run
	traceID    *string
	runEventID string
	data       json.RawMessage
	stepData   map[string]json.RawMessage
}

// stepFailure is a recovered executor failure; it becomes the run's
// terminal status rather than an error from Run.
type stepFailure struct {
	message   string
	cancelled bool
}

// Run executes the chain. The returned error is non-nil only for chain
// validation problems and persistence failures; executor errors and
// cancellation are reported through the result's Status.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	units, err := buildUnits(spec.Steps)
	if err != nil {
		return nil, err
	}

	run := &history.Run{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		WorkflowID:     spec.WorkflowID,
		Status:         history.RunStatusRunning,
		StartTime:      time.Now().UTC(),
		Input:          spec.Input,
		UserID:         spec.UserID,
		ConversationID: spec.ConversationID,
		Metadata:       spec.Metadata,
	}
	if err := r.store.CreateRun(run); err != nil {
		return nil, errors.Wrap(err, "create run")
	}

	rs := &runState{
		run:      run,
		data:     spec.Input,
		stepData: make(map[string]json.RawMessage, len(spec.Steps)),
	}
	if spec.TraceID != "" {
		rs.traceID = &spec.TraceID
	}

	r.logger.Infow("Run started",
		"run_id", run.ID,
		"workflow_id", run.WorkflowID,
		"steps", len(spec.Steps),
	)
	r.openRunEvent(rs)

	nextIndex := 0
	for ui, u := range units {
		// Cancellation is observed at step boundaries only; an executor
		// already running must watch the context itself.
		if ctx.Err() != nil {
			return r.boundaryCancel(rs, units[ui:], &nextIndex)
		}

		var failure *stepFailure
		var err error
		if u.single != nil {
			failure, err = r.runSingle(ctx, rs, u.single, &nextIndex)
		} else {
			failure, err = r.runGroup(ctx, rs, u, &nextIndex)
		}
		if err != nil {
			return r.abort(rs, err)
		}
		if failure != nil {
			return r.finishFailed(rs, units[ui+1:], &nextIndex, failure)
		}
	}

	end := time.Now().UTC()
	run.Status = history.RunStatusCompleted
	run.EndTime = &end
	run.Output = rs.data
	if err := r.store.UpdateRun(run); err != nil {
		return r.abort(rs, errors.Wrap(err, "record run completion"))
	}
	r.closeRunEvent(rs, history.RunStatusCompleted, "")

	r.logger.Infow("Run completed", "run_id", run.ID)
	return &RunResult{RunID: run.ID, Status: history.RunStatusCompleted, Output: rs.data}, nil
}

// runSingle executes one sequential step. A non-nil error means a
// persistence failure; a non-nil stepFailure means the executor failed.
func (r *Runner) runSingle(ctx context.Context, rs *runState, step *Step, next *int) (*stepFailure, error) {
	rec := &history.Step{
		RunID:     rs.run.ID,
		StepIndex: *next,
		StepType:  stepType(step),
		StepName:  stepName(step),
		StepID:    step.ID,
		Status:    history.StepStatusRunning,
		StartTime: time.Now().UTC(),
		Input:     rs.data,
	}
	*next++
	if err := r.store.CreateStep(rec); err != nil {
		return nil, errors.Wrapf(err, "create step record %q", step.ID)
	}
	r.openStepEvent(rs, rec, rs.runEventID)

	sc := &StepContext{
		RunID:        rs.run.ID,
		StepRecordID: rec.ID,
		Data:         rs.data,
		stepData:     rs.stepData,
	}
	out, err := invoke(ctx, step, sc)

	end := time.Now().UTC()
	if sc.executorRef != "" {
		rec.ExecutorRef = &sc.executorRef
	}

	if err != nil {
		cancelled := errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
		msg := err.Error()
		if cancelled {
			msg = cancelledMessage
		}
		rec.Status = history.StepStatusError
		rec.EndTime = &end
		rec.ErrorMessage = &msg
		if uerr := r.store.UpdateStep(rec); uerr != nil {
			return nil, errors.Wrapf(uerr, "record failure of step %q", step.ID)
		}
		r.closeStepEvent(rs, rec)
		return &stepFailure{message: msg, cancelled: cancelled}, nil
	}

	rec.Status = history.StepStatusCompleted
	rec.EndTime = &end
	rec.Output = out
	if uerr := r.store.UpdateStep(rec); uerr != nil {
		return nil, errors.Wrapf(uerr, "record completion of step %q", step.ID)
	}
	r.closeStepEvent(rs, rec)

	rs.data = out
	rs.stepData[step.ID] = out
	return nil, nil
}

// runGroup executes a parallel group: one synthesized record for the
// group, one per branch. Branches all receive the same input snapshot and
// the group joins before the chain proceeds.
func (r *Runner) runGroup(ctx context.Context, rs *runState, u unit, next *int) (*stepFailure, error) {
	parentRec := &history.Step{
		RunID:     rs.run.ID,
		StepIndex: *next,
		StepType:  "parallel",
		StepName:  u.groupID,
		StepID:    u.groupID,
		Status:    history.StepStatusRunning,
		StartTime: time.Now().UTC(),
		Input:     rs.data,
	}
	*next++
	if err := r.store.CreateStep(parentRec); err != nil {
		return nil, errors.Wrapf(err, "create group record %q", u.groupID)
	}
	groupEvent := r.openStepEvent(rs, parentRec, rs.runEventID)

	type branchResult struct {
		out       json.RawMessage
		errMsg    string
		failed    bool
		cancelled bool
	}
	results := make([]branchResult, len(u.branches))
	input := rs.data

	// Store writes from branch goroutines are independent upserts; only
	// the first persistence failure is kept for the abort path.
	var persistMu sync.Mutex
	var persistErr error
	recordPersistErr := func(err error) {
		persistMu.Lock()
		if persistErr == nil {
			persistErr = err
		}
		persistMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for bi, branch := range u.branches {
		// Cancellation is re-checked before starting each branch.
		if ctx.Err() != nil {
			now := time.Now().UTC()
			msg := cancelledMessage
			idx := bi
			rec := &history.Step{
				RunID:         rs.run.ID,
				StepIndex:     *next,
				StepType:      stepType(branch),
				StepName:      stepName(branch),
				StepID:        branch.ID,
				Status:        history.StepStatusError,
				StartTime:     now,
				EndTime:       &now,
				ErrorMessage:  &msg,
				ParallelIndex: &idx,
				ParentStepID:  &parentRec.ID,
			}
			*next++
			if err := r.store.CreateStep(rec); err != nil {
				recordPersistErr(errors.Wrapf(err, "record cancelled branch %q", branch.ID))
			}
			results[bi] = branchResult{errMsg: msg, failed: true, cancelled: true}
			continue
		}

		idx := bi
		rec := &history.Step{
			RunID:         rs.run.ID,
			StepIndex:     *next,
			StepType:      stepType(branch),
			StepName:      stepName(branch),
			StepID:        branch.ID,
			Status:        history.StepStatusRunning,
			StartTime:     time.Now().UTC(),
			Input:         input,
			ParallelIndex: &idx,
			ParentStepID:  &parentRec.ID,
		}
		*next++
		if err := r.store.CreateStep(rec); err != nil {
			recordPersistErr(errors.Wrapf(err, "create branch record %q", branch.ID))
			results[bi] = branchResult{errMsg: err.Error(), failed: true}
			continue
		}
		r.openStepEvent(rs, rec, groupEvent.ID)

		branch := branch
		bi := bi
		g.Go(func() error {
			sc := &StepContext{
				RunID:        rs.run.ID,
				StepRecordID: rec.ID,
				Data:         input,
				stepData:     rs.stepData,
			}
			out, err := invoke(gctx, branch, sc)

			end := time.Now().UTC()
			if sc.executorRef != "" {
				rec.ExecutorRef = &sc.executorRef
			}

			if err != nil {
				cancelled := errors.Is(err, context.Canceled)
				msg := err.Error()
				if cancelled {
					// Distinguish a run-level cancellation signal from a
					// branch cut short because a sibling already failed.
					if ctx.Err() != nil {
						msg = cancelledMessage
					} else {
						msg = "cancelled after parallel branch failure"
					}
				}
				rec.Status = history.StepStatusError
				rec.EndTime = &end
				rec.ErrorMessage = &msg
				if uerr := r.store.UpdateStep(rec); uerr != nil {
					recordPersistErr(errors.Wrapf(uerr, "record failure of branch %q", branch.ID))
				}
				r.closeStepEvent(rs, rec)
				results[bi] = branchResult{errMsg: msg, failed: true, cancelled: cancelled}
				return err
			}

			rec.Status = history.StepStatusCompleted
			rec.EndTime = &end
			rec.Output = out
			if uerr := r.store.UpdateStep(rec); uerr != nil {
				recordPersistErr(errors.Wrapf(uerr, "record completion of branch %q", branch.ID))
			}
			r.closeStepEvent(rs, rec)
			results[bi] = branchResult{out: out}
			return nil
		})
	}

	_ = g.Wait()

	persistMu.Lock()
	firstPersistErr := persistErr
	persistMu.Unlock()
	if firstPersistErr != nil {
		return nil, firstPersistErr
	}

	// The group's verdict: the first failing branch in definition order,
	// except that a branch cancelled as collateral of a sibling's failure
	// never masks the actual cause.
	var failure *stepFailure
	failureCollateral := false
	outputs := make([]json.RawMessage, len(u.branches))
	for bi, res := range results {
		outputs[bi] = res.out
		if !res.failed {
			continue
		}
		collateral := res.cancelled && ctx.Err() == nil
		if failure == nil || (failureCollateral && !collateral) {
			failure = &stepFailure{
				message:   res.errMsg,
				cancelled: res.cancelled && ctx.Err() != nil,
			}
			failureCollateral = collateral
		}
	}

	aggregate, err := json.Marshal(outputs)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate group output")
	}

	end := time.Now().UTC()
	parentRec.EndTime = &end
	if failure != nil {
		parentRec.Status = history.StepStatusError
		parentRec.ErrorMessage = &failure.message
	} else {
		parentRec.Status = history.StepStatusCompleted
		parentRec.Output = aggregate
	}
	if uerr := r.store.UpdateStep(parentRec); uerr != nil {
		return nil, errors.Wrapf(uerr, "record group verdict %q", u.groupID)
	}
	r.closeStepEvent(rs, parentRec)

	if failure != nil {
		return failure, nil
	}

	rs.data = aggregate
	rs.stepData[u.groupID] = aggregate
	for bi, branch := range u.branches {
		rs.stepData[branch.ID] = results[bi].out
	}
	return nil, nil
}

// invoke calls the executor, converting a panic into an executor error so
// a misbehaving step can never take down the owning run.
func invoke(ctx context.Context, step *Step, sc *StepContext) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("step executor panic: %v", p)
		}
	}()
	return step.Execute(ctx, sc)
}

// finishFailed persists skip records for the not-yet-started units and
// writes the run's terminal status.
func (r *Runner) finishFailed(rs *runState, remaining []unit, next *int, failure *stepFailure) (*RunResult, error) {
	if err := r.skipRemaining(rs, remaining, next); err != nil {
		return r.abort(rs, err)
	}

	status := history.RunStatusError
	if failure.cancelled {
		status = history.RunStatusCancelled
	}

	end := time.Now().UTC()
	rs.run.Status = status
	rs.run.EndTime = &end
	if err := r.store.UpdateRun(rs.run); err != nil {
		return r.abort(rs, errors.Wrap(err, "record run failure"))
	}
	r.closeRunEvent(rs, status, failure.message)

	r.logger.Infow("Run finished",
		"run_id", rs.run.ID,
		"status", string(status),
		"error", failure.message,
	)
	return &RunResult{RunID: rs.run.ID, Status: status, ErrorMessage: failure.message}, nil
}

// boundaryCancel handles a cancellation signal observed between units:
// the next step is recorded as cancelled-equivalent without being
// invoked, everything after it is skipped, and the run is cancelled.
func (r *Runner) boundaryCancel(rs *runState, remaining []unit, next *int) (*RunResult, error) {
	now := time.Now().UTC()
	msg := cancelledMessage

	head := remaining[0]
	if head.single != nil {
		rec := &history.Step{
			RunID:        rs.run.ID,
			StepIndex:    *next,
			StepType:     stepType(head.single),
			StepName:     stepName(head.single),
			StepID:       head.single.ID,
			Status:       history.StepStatusError,
			StartTime:    now,
			EndTime:      &now,
			ErrorMessage: &msg,
		}
		*next++
		if err := r.store.CreateStep(rec); err != nil {
			return r.abort(rs, errors.Wrap(err, "record cancelled step"))
		}
	} else {
		parentRec := &history.Step{
			RunID:        rs.run.ID,
			StepIndex:    *next,
			StepType:     "parallel",
			StepName:     head.groupID,
			StepID:       head.groupID,
			Status:       history.StepStatusError,
			StartTime:    now,
			EndTime:      &now,
			ErrorMessage: &msg,
		}
		*next++
		if err := r.store.CreateStep(parentRec); err != nil {
			return r.abort(rs, errors.Wrap(err, "record cancelled group"))
		}
		for bi, branch := range head.branches {
			idx := bi
			rec := &history.Step{
				RunID:         rs.run.ID,
				StepIndex:     *next,
				StepType:      stepType(branch),
				StepName:      stepName(branch),
				StepID:        branch.ID,
				Status:        history.StepStatusError,
				StartTime:     now,
				EndTime:       &now,
				ErrorMessage:  &msg,
				ParallelIndex: &idx,
				ParentStepID:  &parentRec.ID,
			}
			*next++
			if err := r.store.CreateStep(rec); err != nil {
				return r.abort(rs, errors.Wrap(err, "record cancelled branch"))
			}
		}
	}

	return r.finishFailed(rs, remaining[1:], next, &stepFailure{message: msg, cancelled: true})
}

// skipRemaining persists status=skipped records for every definition that
// never started, preserving contiguous step indexes.
func (r *Runner) skipRemaining(rs *runState, remaining []unit, next *int) error {
	now := time.Now().UTC()

	persistSkip := func(rec *history.Step) error {
		rec.Status = history.StepStatusSkipped
		rec.StartTime = now
		rec.EndTime = &now
		if err := r.store.CreateStep(rec); err != nil {
			return errors.Wrapf(err, "record skipped step %q", rec.StepID)
		}
		return nil
	}

	for _, u := range remaining {
		if u.single != nil {
			rec := &history.Step{
				RunID:     rs.run.ID,
				StepIndex: *next,
				StepType:  stepType(u.single),
				StepName:  stepName(u.single),
				StepID:    u.single.ID,
			}
			*next++
			if err := persistSkip(rec); err != nil {
				return err
			}
			continue
		}

		parentRec := &history.Step{
			RunID:     rs.run.ID,
			StepIndex: *next,
			StepType:  "parallel",
			StepName:  u.groupID,
			StepID:    u.groupID,
		}
		*next++
		if err := persistSkip(parentRec); err != nil {
			return err
		}
		for bi, branch := range u.branches {
			idx := bi
			rec := &history.Step{
				RunID:         rs.run.ID,
				StepIndex:     *next,
				StepType:      stepType(branch),
				StepName:      stepName(branch),
				StepID:        branch.ID,
				ParallelIndex: &idx,
				ParentStepID:  &parentRec.ID,
			}
			*next++
			if err := persistSkip(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// abort handles a persistence failure mid-run: one best-effort terminal
// write so the run does not stay "running" forever, then the original
// error is surfaced to the caller.
func (r *Runner) abort(rs *runState, origErr error) (*RunResult, error) {
	end := time.Now().UTC()
	rs.run.Status = history.RunStatusError
	rs.run.EndTime = &end
	if uerr := r.store.UpdateRun(rs.run); uerr != nil {
		r.logger.Errorw("Best-effort terminal write failed",
			"run_id", rs.run.ID,
			"error", uerr,
		)
	}
	r.logger.Errorw("Run aborted on persistence failure",
		"run_id", rs.run.ID,
		"error", origErr,
	)
	return nil, origErr
}

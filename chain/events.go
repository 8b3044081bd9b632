package chain

import (
	"github.com/weftlabs/weft/db"
	"github.com/weftlabs/weft/history"
)

// Timeline event helpers. Event appends are best-effort: a failed append
// is logged and the run keeps going, because the step records themselves
// are the durable record of what happened.

func runLogicalID(runID string) string {
	return "run:" + runID
}

func stepLogicalID(recordID string) string {
	return "step:" + recordID
}

func (r *Runner) openRunEvent(rs *runState) {
	ev := &history.Event{
		RunID:     rs.run.ID,
		LogicalID: runLogicalID(rs.run.ID),
		Name:      rs.run.Name,
		Kind:      history.EventKindRun,
		StartTime: rs.run.StartTime,
		Status:    string(history.RunStatusRunning),
		Level:     history.LevelInfo,
		Input:     rs.run.Input,
		TraceID:   rs.traceID,
	}
	r.appendEvent(rs, ev)
	rs.runEventID = ev.ID
}

func (r *Runner) closeRunEvent(rs *runState, status history.RunStatus, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	end := rs.run.StartTime
	if rs.run.EndTime != nil {
		end = *rs.run.EndTime
	}
	if err := r.store.CloseEvent(rs.run.ID, runLogicalID(rs.run.ID), end, string(status), rs.run.Output, msg); err != nil {
		r.logger.Warnw("Failed to close run event",
			"run_id", rs.run.ID,
			"error", err,
		)
	}
	r.publish(rs, &history.Event{
		ID:            rs.runEventID,
		RunID:         rs.run.ID,
		LogicalID:     runLogicalID(rs.run.ID),
		Name:          rs.run.Name,
		Kind:          history.EventKindRun,
		StartTime:     rs.run.StartTime,
		EndTime:       &end,
		Status:        string(status),
		Level:         levelFor(string(status)),
		Output:        rs.run.Output,
		StatusMessage: msg,
		TraceID:       rs.traceID,
	})
}

func (r *Runner) openStepEvent(rs *runState, rec *history.Step, parentEventID string) *history.Event {
	ev := &history.Event{
		RunID:     rs.run.ID,
		LogicalID: stepLogicalID(rec.ID),
		Name:      rec.StepName,
		Kind:      history.EventKindStep,
		StartTime: rec.StartTime,
		Status:    string(rec.Status),
		Level:     history.LevelInfo,
		Input:     rec.Input,
		TraceID:   rs.traceID,
	}
	if parentEventID != "" {
		ev.ParentEventID = &parentEventID
	}
	r.appendEvent(rs, ev)
	return ev
}

// closeStepEvent closes the span opened for rec, taking end time, status,
// output, and error message from the finished record.
func (r *Runner) closeStepEvent(rs *runState, rec *history.Step) {
	end := rec.StartTime
	if rec.EndTime != nil {
		end = *rec.EndTime
	}
	if err := r.store.CloseEvent(rs.run.ID, stepLogicalID(rec.ID), end, string(rec.Status), rec.Output, rec.ErrorMessage); err != nil {
		r.logger.Warnw("Failed to close step event",
			"run_id", rs.run.ID,
			"step_id", rec.StepID,
			"error", err,
		)
	}
	r.publish(rs, &history.Event{
		RunID:         rs.run.ID,
		LogicalID:     stepLogicalID(rec.ID),
		Name:          rec.StepName,
		Kind:          history.EventKindStep,
		StartTime:     rec.StartTime,
		EndTime:       &end,
		Status:        string(rec.Status),
		Level:         levelFor(string(rec.Status)),
		Output:        rec.Output,
		StatusMessage: rec.ErrorMessage,
		TraceID:       rs.traceID,
	})
}

func (r *Runner) appendEvent(rs *runState, ev *history.Event) {
	if err := r.store.AppendEvent(ev); err != nil {
		// A closed connection means the process is shutting down under
		// an in-flight run; that is a race, not a defect worth warning on.
		log := r.logger.Warnw
		if db.IsDatabaseClosed(err) {
			log = r.logger.Debugw
		}
		log("Failed to append timeline event",
			"run_id", rs.run.ID,
			"logical_event_id", ev.LogicalID,
			"error", err,
		)
	}
	r.publish(rs, ev)
}

func (r *Runner) publish(rs *runState, ev *history.Event) {
	if r.sink == nil {
		return
	}
	r.sink(rs.run, ev)
}

// levelFor maps a terminal status onto event severity so live
// subscribers filtering at warn or error still see failures.
func levelFor(status string) history.Level {
	switch status {
	case string(history.RunStatusError), string(history.RunStatusCancelled):
		return history.LevelError
	default:
		return history.LevelInfo
	}
}

package cmd

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/output"
	"github.com/3leaps/studyflow/pkg/realtime"
	"github.com/3leaps/studyflow/pkg/workspace"
)

// follower reports registry and channel changes for one job as they happen.
// A placeholder id keeps being followed after its swap.
type follower struct {
	ws   *workspace.Workspace
	out  io.Writer
	jw   *output.JSONLWriter
	log  *zap.Logger
	ctx  context.Context
	done []func()

	// Loop-owned.
	current  jobregistry.JobID
	lastStep int
	lastStat jobregistry.Status
}

func newFollower(ctx context.Context, ws *workspace.Workspace, out io.Writer, jw *output.JSONLWriter) *follower {
	return &follower{ws: ws, out: out, jw: jw, log: observability.CLILogger, ctx: ctx, lastStep: -1}
}

// Start begins reporting changes for id.
func (f *follower) Start(id jobregistry.JobID) error {
	f.current = id
	unsub, err := f.ws.Subscribe(f.ctx, f.onChange)
	if err != nil {
		return err
	}
	f.done = append(f.done, unsub)

	unsub, err = f.ws.OnSyncState(f.ctx, f.onState)
	if err != nil {
		return err
	}
	f.done = append(f.done, unsub)
	return nil
}

// Follow switches to id, for when a swap may have committed before Start.
func (f *follower) Follow(id jobregistry.JobID) {
	f.ws.Loop().Post(func() { f.current = id })
}

// Stop unsubscribes.
func (f *follower) Stop() {
	for _, fn := range f.done {
		fn()
	}
	f.done = nil
}

func (f *follower) onChange(c jobregistry.Change) {
	switch {
	case c.Kind == jobregistry.ChangeSwapped && c.PreviousID == f.current:
		f.current = c.Job.ID
		f.progress(output.PhaseAssigned, c.Job, c.PreviousID)
		return
	case c.Job.ID != f.current:
		return
	case c.Kind == jobregistry.ChangeRemoved:
		if c.Job.ID.IsPending() {
			f.progress(output.PhaseRolledBack, c.Job, jobregistry.JobID{})
		}
		return
	}

	j := c.Job
	if j.ID.IsPending() {
		phase := output.PhaseUploading
		if c.Kind == jobregistry.ChangeCreated {
			phase = output.PhaseQueued
		}
		f.progress(phase, j, jobregistry.JobID{})
		return
	}
	f.snapshot(j)
}

func (f *follower) progress(phase string, j jobregistry.Job, previous jobregistry.JobID) {
	if f.jw != nil {
		rec := &output.ProgressRecord{
			JobID:      j.ID.String(),
			Phase:      phase,
			Percent:    j.Progress,
			BytesTotal: j.TotalBytes,
			ETASeconds: j.ETASeconds,
		}
		if phase == output.PhaseAssigned {
			rec.JobID = previous.String()
			rec.AssignedID = j.ID.String()
		}
		_ = f.jw.WriteProgress(f.ctx, rec)
		return
	}

	switch phase {
	case output.PhaseUploading:
		if step := int(j.Progress) / 10; step != f.lastStep {
			f.lastStep = step
			_, _ = fmt.Fprintf(f.out, "Uploading %s: %s\n", j.FileName, formatPercent(j.Progress))
		}
	case output.PhaseAssigned:
		_, _ = fmt.Fprintf(f.out, "Accepted as job %s\n", j.ID)
	case output.PhaseRolledBack:
		_, _ = fmt.Fprintf(f.out, "Upload of %s did not complete\n", j.FileName)
	}
}

func (f *follower) snapshot(j jobregistry.Job) {
	if f.jw != nil {
		_ = f.jw.WriteJob(f.ctx, output.JobFrom(j))
		return
	}
	step := int(j.Progress) / 10
	if j.Status == f.lastStat && step == f.lastStep {
		return
	}
	f.lastStat, f.lastStep = j.Status, step
	line := fmt.Sprintf("Job %s: %s %s", j.ID, j.Status, formatPercent(j.Progress))
	if j.Message != "" && j.Status == jobregistry.StatusFailed {
		line += " (" + j.Message + ")"
	}
	_, _ = fmt.Fprintln(f.out, line)
}

func (f *follower) onState(id jobregistry.JobID, state realtime.State) {
	if id != f.current {
		return
	}
	if f.jw != nil {
		_ = f.jw.WriteChannel(f.ctx, &output.ChannelRecord{JobID: id.String(), State: state.String()})
		return
	}
	f.log.Debug("Push channel", zap.String("job_id", id.String()), zap.String("state", state.String()))
	if state == realtime.StateReconnecting {
		f.log.Warn("Push channel dropped, reconnecting", zap.String("job_id", id.String()))
	}
}

// waitTerminal blocks until the job reaches a terminal status.
func waitTerminal(ctx context.Context, ws *workspace.Workspace, id jobregistry.JobID) (jobregistry.Job, error) {
	return ws.WaitFor(ctx, id, func(j jobregistry.Job) bool { return j.Status.Terminal() })
}

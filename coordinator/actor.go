package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/store"
)

type msgKind int

const (
	msgInitialize msgKind = iota
	msgSheetComplete
	msgTileComplete
	msgMarkerComplete
	msgProgress
	msgAlarm
	msgRehydrate
)

type request struct {
	kind        msgKind
	totalSheets int
	timeout     time.Duration
	sheetNumber int
	reply       chan response
}

type response struct {
	progress pipeline.Progress
	err      error
}

// timeoutVerdict is written to the processing job when the deadline alarm
// fires before completion.
const timeoutVerdict = "Processing timeout — not all steps completed within time limit"

// actor is the single-writer dispatcher for one upload. All fields below are
// touched only from the run goroutine, so no locking is needed.
type actor struct {
	uploadID string
	inbox    chan request
	c        *Coordinator

	state  *pipeline.State
	wakeAt *time.Time
	alarm  *time.Timer
	loaded bool
}

// run processes inbox messages serially until the coordinator shuts down.
func (a *actor) run() {
	defer a.c.wg.Done()
	defer a.disarmAlarm()

	for {
		select {
		case req := <-a.inbox:
			a.handle(req)
		case <-a.c.closed:
			return
		}
	}
}

func (a *actor) handle(req request) {
	// Handlers run against a background context: a caller hanging up must not
	// abort a state write that workers already observed as accepted.
	ctx := context.Background()

	var resp response
	switch req.kind {
	case msgInitialize:
		resp = a.handleInitialize(ctx, req.totalSheets, req.timeout)
	case msgSheetComplete:
		resp = a.handleCompletion(ctx, stageMetadata, req.sheetNumber)
	case msgTileComplete:
		resp = a.handleCompletion(ctx, stageTiles, req.sheetNumber)
	case msgMarkerComplete:
		resp = a.handleCompletion(ctx, stageMarkers, req.sheetNumber)
	case msgProgress:
		resp = a.handleProgress(ctx)
	case msgAlarm:
		a.handleAlarm(ctx)
	case msgRehydrate:
		a.ensureLoaded(ctx)
	}

	if req.reply != nil {
		req.reply <- resp
	}
}

// ensureLoaded pulls durable state into memory on first touch and re-arms
// the alarm from the stored deadline, so an actor spawned after a restart
// resumes exactly where the previous process left off.
func (a *actor) ensureLoaded(ctx context.Context) {
	if a.loaded {
		return
	}
	st, err := a.c.store.LoadState(ctx, a.uploadID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log().WithError(err).Error("failed to load coordinator state")
		}
		return
	}
	a.state = st.State
	a.wakeAt = st.WakeAt
	a.loaded = true

	if !a.state.Status.Terminal() && a.wakeAt != nil {
		a.armAlarm(time.Until(*a.wakeAt))
	}
}

func (a *actor) handleInitialize(ctx context.Context, totalSheets int, timeout time.Duration) response {
	a.ensureLoaded(ctx)

	if a.state != nil {
		if a.state.TotalSheets == totalSheets {
			// Idempotent re-init: same inputs, no-op success.
			return response{progress: a.state.Snapshot()}
		}
		return response{err: &ErrAlreadyInitialized{
			UploadID:  a.uploadID,
			Existing:  a.state.TotalSheets,
			Requested: totalSheets,
		}}
	}

	now := time.Now()
	state := pipeline.NewState(a.uploadID, totalSheets, now.UnixMilli())
	wakeAt := now.Add(timeout)

	if err := a.c.store.SaveState(ctx, state, &wakeAt); err != nil {
		return response{err: err}
	}
	a.state = state
	a.wakeAt = &wakeAt
	a.loaded = true
	a.armAlarm(timeout)

	a.c.metrics.UploadsStarted.Inc()
	a.log().WithField("totalSheets", totalSheets).Info("pipeline initialized")
	return response{progress: state.Snapshot()}
}

// stage identifies which completion set a message targets.
type stage int

const (
	stageMetadata stage = iota
	stageTiles
	stageMarkers
)

func (s stage) String() string {
	switch s {
	case stageMetadata:
		return "metadata"
	case stageTiles:
		return "tiles"
	default:
		return "markers"
	}
}

func (a *actor) completionSet(s stage) pipeline.SheetSet {
	switch s {
	case stageMetadata:
		return a.state.CompletedSheets
	case stageTiles:
		return a.state.CompletedTiles
	default:
		return a.state.CompletedMarkers
	}
}

// handleCompletion is the shared set-insert path for all three stages. The
// stage-boundary transition is double-guarded: the insert must be the one
// that fills the set AND the status must still match the stage's
// precondition, so replayed completions can never fan out twice.
func (a *actor) handleCompletion(ctx context.Context, s stage, sheetNumber int) response {
	a.ensureLoaded(ctx)
	if a.state == nil {
		return response{err: ErrNotInitialized}
	}
	if sheetNumber < 1 || sheetNumber > a.state.TotalSheets {
		return response{err: fmt.Errorf("sheet number %d out of range 1..%d", sheetNumber, a.state.TotalSheets)}
	}

	set := a.completionSet(s)
	added := set.Add(sheetNumber)
	if !added {
		a.c.metrics.DuplicateCompletions.WithLabelValues(s.String()).Inc()
		return response{progress: a.state.Snapshot()}
	}
	a.c.metrics.CompletionsReceived.WithLabelValues(s.String()).Inc()

	if err := a.persist(ctx); err != nil {
		// Roll the insert back so a redelivery is not treated as a duplicate.
		delete(set, sheetNumber)
		return response{err: err}
	}

	if s == stageMetadata && set.Len() == 1 {
		// First progress promotes the job row out of pending.
		if err := a.c.store.UpdateJobStatus(ctx, a.uploadID, store.JobProcessing, ""); err != nil {
			a.log().WithError(err).Warn("failed to promote processing job")
		}
	}

	full := set.Len() == a.state.TotalSheets
	switch {
	case s == stageMetadata && full && a.state.Status == pipeline.StatusInProgress:
		a.fanOutTiles(ctx)
	case s == stageTiles && full && a.state.Status == pipeline.StatusTilesInProgress:
		a.fanOutMarkers(ctx)
	case s == stageMarkers && full && a.state.Status == pipeline.StatusMarkersInProgress:
		return a.completePipeline(ctx, sheetNumber)
	}

	return response{progress: a.state.Snapshot()}
}

// fanOutTiles performs the stage-2 fan-out. The triggering status is written
// before any job is enqueued: a crash mid-fan-out leaves the upload latched
// at triggering_tiles for the operator and the deadline alarm, instead of
// risking a duplicate dispatch on replay.
func (a *actor) fanOutTiles(ctx context.Context) {
	a.state.Status = pipeline.StatusTriggeringTiles
	if err := a.persist(ctx); err != nil {
		a.state.Status = pipeline.StatusInProgress
		a.latchFailure(ctx, "tile fan-out latch", err)
		return
	}

	job, err := a.c.store.GetJob(ctx, a.uploadID)
	if err != nil {
		a.latchFailure(ctx, "tile fan-out job lookup", err)
		return
	}
	sheets, err := a.c.store.ListSheets(ctx, a.uploadID)
	if err != nil {
		a.latchFailure(ctx, "tile fan-out sheet query", err)
		return
	}

	for _, sheet := range sheets {
		payload, err := pipeline.EncodeJob(pipeline.TileJob{
			UploadID:       a.uploadID,
			SheetID:        sheet.ID,
			SheetNumber:    sheet.SheetNumber,
			SheetKey:       sheet.SheetKey,
			PlanID:         job.PlanID,
			ProjectID:      job.ProjectID,
			OrganizationID: job.OrganizationID,
			TotalSheets:    a.state.TotalSheets,
		})
		if err == nil {
			err = a.c.queue.Publish(ctx, a.c.queues.Tiles, payload)
		}
		if err != nil {
			a.latchFailure(ctx, "tile fan-out publish", err)
			return
		}
	}

	a.state.Status = pipeline.StatusTilesInProgress
	if err := a.persist(ctx); err != nil {
		a.state.Status = pipeline.StatusTriggeringTiles
		a.latchFailure(ctx, "tile fan-out finalize", err)
		return
	}
	a.c.metrics.FanOuts.WithLabelValues("tiles").Inc()
	a.log().WithField("jobs", len(sheets)).Info("tile stage fanned out")
}

// fanOutMarkers performs the stage-3 fan-out: extracted sheets are read back
// to derive the cross-reference context, then one marker job is published per
// sheet.
func (a *actor) fanOutMarkers(ctx context.Context) {
	a.state.Status = pipeline.StatusTriggeringMarkers
	if err := a.persist(ctx); err != nil {
		a.state.Status = pipeline.StatusTilesInProgress
		a.latchFailure(ctx, "marker fan-out latch", err)
		return
	}

	job, err := a.c.store.GetJob(ctx, a.uploadID)
	if err != nil {
		a.latchFailure(ctx, "marker fan-out job lookup", err)
		return
	}
	extracted, err := a.c.store.ListExtractedSheets(ctx, a.uploadID)
	if err != nil {
		a.latchFailure(ctx, "marker fan-out sheet query", err)
		return
	}
	if len(extracted) == 0 {
		a.latchFailure(ctx, "marker fan-out", fmt.Errorf("no extracted sheets for upload %s", a.uploadID))
		return
	}

	validSheets := make([]string, 0, len(extracted))
	for _, sheet := range extracted {
		if a.c.filter(sheet.SheetName) {
			validSheets = append(validSheets, sheet.SheetName)
		}
	}

	for _, sheet := range extracted {
		payload, err := pipeline.EncodeJob(pipeline.MarkerJob{
			UploadID:       a.uploadID,
			PlanID:         job.PlanID,
			OrganizationID: job.OrganizationID,
			ProjectID:      job.ProjectID,
			SheetID:        sheet.ID,
			SheetNumber:    sheet.SheetNumber,
			SheetKey:       sheet.SheetKey,
			TotalSheets:    a.state.TotalSheets,
			ValidSheets:    validSheets,
		})
		if err == nil {
			err = a.c.queue.Publish(ctx, a.c.queues.Markers, payload)
		}
		if err != nil {
			a.latchFailure(ctx, "marker fan-out publish", err)
			return
		}
	}

	a.state.Status = pipeline.StatusMarkersInProgress
	if err := a.persist(ctx); err != nil {
		a.state.Status = pipeline.StatusTriggeringMarkers
		a.latchFailure(ctx, "marker fan-out finalize", err)
		return
	}
	a.c.metrics.FanOuts.WithLabelValues("markers").Inc()
	a.log().WithFields(logrus.Fields{
		"jobs":        len(extracted),
		"validSheets": len(validSheets),
	}).Info("marker stage fanned out")
}

// completePipeline is the terminal happy-path transition. The alarm is
// disarmed before the complete status is persisted and acknowledged.
func (a *actor) completePipeline(ctx context.Context, sheetNumber int) response {
	a.disarmAlarm()
	a.state.Status = pipeline.StatusComplete
	prevWake := a.wakeAt
	a.wakeAt = nil

	if err := a.persist(ctx); err != nil {
		// The status write did not land; restore the alarm so the deadline
		// still owns the verdict, and let the worker retry the completion.
		a.state.Status = pipeline.StatusMarkersInProgress
		a.wakeAt = prevWake
		if prevWake != nil {
			a.armAlarm(time.Until(*prevWake))
		}
		delete(a.state.CompletedMarkers, sheetNumber)
		return response{err: err}
	}

	if err := a.c.store.UpdateJobStatus(ctx, a.uploadID, store.JobComplete, ""); err != nil {
		a.log().WithError(err).Error("failed to mark processing job complete")
	}
	a.c.metrics.UploadsCompleted.Inc()
	a.log().Info("pipeline complete")
	return response{progress: a.state.Snapshot()}
}

// handleAlarm applies the deadline verdict. A late alarm on a completed
// upload is ignored.
func (a *actor) handleAlarm(ctx context.Context) {
	a.ensureLoaded(ctx)
	if a.state == nil || a.state.Status.Terminal() {
		return
	}
	a.c.metrics.AlarmFirings.Inc()

	a.state.Status = pipeline.StatusFailedTimeout
	a.wakeAt = nil
	if err := a.persist(ctx); err != nil {
		a.log().WithError(err).Error("failed to persist timeout verdict")
	}
	if err := a.c.store.UpdateJobStatus(ctx, a.uploadID, store.JobFailed, timeoutVerdict); err != nil {
		a.log().WithError(err).Error("failed to mark processing job failed")
	}
	a.c.metrics.UploadsTimedOut.Inc()
	a.log().WithField("status", a.state.Status).Error("deadline alarm fired before completion")
}

func (a *actor) handleProgress(ctx context.Context) response {
	a.ensureLoaded(ctx)
	if a.state == nil {
		return response{err: ErrNotInitialized}
	}
	return response{progress: a.state.Snapshot()}
}

// latchFailure implements the deliberate dispatch-failure policy: log at
// ERROR, record a structured diagnostic on the job row, and leave the status
// latched so the deadline alarm produces the terminal verdict.
func (a *actor) latchFailure(ctx context.Context, op string, err error) {
	a.c.metrics.DispatchFailures.Inc()
	a.log().WithError(err).WithField("op", op).Error("downstream dispatch failed; upload latched for deadline alarm")

	diag := fmt.Sprintf("dispatch failure during %s: %v", op, err)
	if uerr := a.c.store.UpdateJobStatus(ctx, a.uploadID, store.JobProcessing, diag); uerr != nil {
		a.log().WithError(uerr).Error("failed to record dispatch diagnostic")
	}
}

func (a *actor) persist(ctx context.Context) error {
	return a.c.store.SaveState(ctx, a.state, a.wakeAt)
}

func (a *actor) armAlarm(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.disarmAlarm()
	a.alarm = time.AfterFunc(d, func() {
		select {
		case a.inbox <- request{kind: msgAlarm}:
		case <-a.c.closed:
		}
	})
}

func (a *actor) disarmAlarm() {
	if a.alarm != nil {
		a.alarm.Stop()
		a.alarm = nil
	}
}

func (a *actor) log() *logrus.Entry {
	return a.c.log.WithField("uploadId", a.uploadID)
}

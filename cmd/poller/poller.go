// Package main implements the camera polling loop.
//
// This file contains the Orchestrator, which owns per-camera scheduling state
// and runs one poll attempt per due camera:
//
//	fetch → store frame → dedup → [skip | analyze] → write attempt → publish status
//
// Run ticks at a fixed interval and dispatches every due camera onto a bounded
// worker pool without blocking the tick. A camera never has more than one
// attempt in flight. Every attempt writes exactly one log row; camera state
// only moves forward once that row is committed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/HatiCode/highwayvlm/cmd/poller/metrics"
	"github.com/HatiCode/highwayvlm/pkg/archive"
	"github.com/HatiCode/highwayvlm/pkg/catalog"
	"github.com/HatiCode/highwayvlm/pkg/framestore"
	"github.com/HatiCode/highwayvlm/pkg/snapshot"
	"github.com/HatiCode/highwayvlm/pkg/storage"
	"github.com/HatiCode/highwayvlm/pkg/vlm"
)

// Outcome names how a poll attempt ended.
type Outcome string

const (
	OutcomeAnalyzed      Outcome = "analyzed"
	OutcomeUnchanged     Outcome = "unchanged"
	OutcomeFetchFailed   Outcome = "fetch_failed"
	OutcomeAnalyzeFailed Outcome = "analyze_failed"
	OutcomeSkipped       Outcome = "skipped"
	// OutcomeDropped means the attempt's rows could not be written.
	OutcomeDropped Outcome = "dropped"
)

// Skipped reasons recorded on log rows.
const (
	SkipUnchanged     = "unchanged_frame"
	SkipEmptySnapshot = "empty_snapshot"
	SkipCooldown      = "vlm_error_cooldown"
	SkipQuota         = "vlm_quota_exceeded"
)

var (
	ErrUnknownCamera = errors.New("unknown camera")
	ErrNotDue        = errors.New("camera not due")
	ErrInFlight      = errors.New("attempt already in flight")
)

// Fetcher downloads a snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (snapshot.Image, error)
}

// FrameStore persists frames and raw model output.
type FrameStore interface {
	Save(cameraID string, capturedAt time.Time, img snapshot.Image) (framestore.Frame, error)
	SaveRaw(cameraID string, capturedAt time.Time, raw string) (string, error)
}

// Analyzer runs the vision-language model on a frame.
type Analyzer interface {
	Analyze(ctx context.Context, req vlm.Request) (vlm.AnalysisResult, error)
	Model() string
}

// Archive durably records attempts.
type Archive interface {
	WriteAttempt(ctx context.Context, at archive.Attempt) (archive.AttemptResult, error)
	HasHourly(ctx context.Context, cameraID, hourBucket string) (bool, error)
}

// Notifier fans out committed incident events.
type Notifier interface {
	PublishIncidents(ctx context.Context, events []archive.IncidentEvent) error
}

// Deps are the collaborators of an Orchestrator. Status, Notifier and Health
// are optional.
type Deps struct {
	Fetcher  Fetcher
	Frames   FrameStore
	Analyzer Analyzer
	Archive  Archive
	Status   storage.Store
	Notifier Notifier
	Health   *HealthReporter
}

// Options tunes the orchestrator.
type Options struct {
	// Workers bounds concurrent attempts across all cameras.
	Workers int
	// AttemptTimeout bounds one attempt, including retries and the write.
	AttemptTimeout time.Duration
	// ErrorCooldown skips analysis for a camera this long after a failed
	// model call. Zero disables it.
	ErrorCooldown time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

type cameraState struct {
	camera             catalog.Camera
	lastPollAt         time.Time
	nextDueAt          time.Time
	lastFrameHash      string
	lastHourBucket     string
	failures           int
	lastSuccessAt      time.Time
	lastAnalyzedAt     time.Time
	lastAnalyzeErrorAt time.Time
	lastOutcome        Outcome
	lastError          string
	lastSkippedReason  string
	trafficState       string
	lastImagePath      string
	inFlight           bool
}

// Orchestrator schedules and runs poll attempts for a fixed camera set.
type Orchestrator struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	order  []string
	states map[string]*cameraState

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates an Orchestrator. Every camera is due immediately.
func New(cameras []catalog.Camera, deps Deps, opts Options, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	o := &Orchestrator{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		metrics: m,
		states:  make(map[string]*cameraState, len(cameras)),
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
	}
	now := opts.Now()
	for _, cam := range cameras {
		o.order = append(o.order, cam.ID)
		o.states[cam.ID] = &cameraState{camera: cam, nextDueAt: now}
	}
	return o
}

// Run dispatches due cameras every tick until ctx is canceled, then waits
// for running attempts to finish. Attempts still waiting for a worker are
// dropped.
func (o *Orchestrator) Run(ctx context.Context, tick time.Duration) error {
	o.logger.Info("starting poll loop",
		"cameras", len(o.order),
		"tick", tick,
		"workers", o.opts.Workers,
	)
	o.publishAll(ctx)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	o.dispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("poll loop stopping, waiting for in-flight attempts")
			o.wg.Wait()
			o.logger.Info("poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			o.dispatchDue(ctx)
		}
	}
}

// Tick dispatches every due camera and waits for the attempts to finish.
// It returns the number of attempts dispatched.
func (o *Orchestrator) Tick(ctx context.Context) int {
	n := o.dispatchDue(ctx)
	o.wg.Wait()
	return n
}

func (o *Orchestrator) dispatchDue(ctx context.Context) int {
	now := o.opts.Now()

	o.mu.Lock()
	var due []catalog.Camera
	for _, id := range o.order {
		st := o.states[id]
		if st.inFlight || now.Before(st.nextDueAt) {
			continue
		}
		st.inFlight = true
		due = append(due, st.camera)
	}
	o.mu.Unlock()

	for _, cam := range due {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.release(cam.ID)
			if err := o.sem.Acquire(ctx, 1); err != nil {
				o.logger.Debug("attempt dropped before start", "camera", cam.ID)
				return
			}
			defer o.sem.Release(1)
			_, _ = o.runAttempt(ctx, cam)
		}()
	}
	if len(due) > 0 {
		o.logger.Debug("dispatched attempts", "count", len(due))
	}
	return len(due)
}

// PollOnce runs one attempt for cameraID synchronously if it is due.
func (o *Orchestrator) PollOnce(ctx context.Context, cameraID string) (Outcome, error) {
	now := o.opts.Now()

	o.mu.Lock()
	st, ok := o.states[cameraID]
	switch {
	case !ok:
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
	case st.inFlight:
		o.mu.Unlock()
		return "", ErrInFlight
	case now.Before(st.nextDueAt):
		o.mu.Unlock()
		return "", fmt.Errorf("%w until %s", ErrNotDue, st.nextDueAt.Format(time.RFC3339))
	}
	st.inFlight = true
	cam := st.camera
	o.mu.Unlock()
	defer o.release(cameraID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer o.sem.Release(1)
	return o.runAttempt(ctx, cam)
}

func (o *Orchestrator) release(cameraID string) {
	o.mu.Lock()
	o.states[cameraID].inFlight = false
	o.mu.Unlock()
}

// runAttempt detaches from ctx so that shutdown lets the attempt finish
// under its own timeout.
func (o *Orchestrator) runAttempt(ctx context.Context, cam catalog.Camera) (Outcome, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.AttemptTimeout)
	defer cancel()

	if o.metrics != nil {
		o.metrics.IncInFlight()
		defer o.metrics.DecInFlight()
	}
	return o.attempt(actx, cam, o.opts.Now())
}

func (o *Orchestrator) attempt(ctx context.Context, cam catalog.Camera, t time.Time) (Outcome, error) {
	start := time.Now()
	attemptID := uuid.NewString()
	log := o.logger.With("camera", cam.ID, "attempt_id", attemptID)

	prev := o.state(cam.ID)
	next := prev
	next.lastPollAt = t
	next.nextDueAt = t.Add(cam.PollInterval())

	rec := newLogRecord(cam, attemptID, t)

	fetchStart := time.Now()
	img, err := o.deps.Fetcher.Fetch(ctx, cam.SnapshotURL)
	if o.metrics != nil {
		o.metrics.RecordFetch(time.Since(fetchStart).Seconds())
	}
	if err != nil {
		kind := snapshot.KindOf(err)
		if kind == "" {
			kind = snapshot.KindNetwork
		}
		rec.Error = err.Error()
		rec.ErrorKind = string(kind)
		if kind == snapshot.KindEmpty {
			rec.SkippedReason = SkipEmptySnapshot
		}
		next.failures++
		next.lastError = rec.Error
		next.lastSkippedReason = rec.SkippedReason
		if o.metrics != nil {
			o.metrics.RecordError("fetch", string(kind))
		}
		log.Warn("snapshot fetch failed", "kind", kind, "error", err, "failures", next.failures)
		return o.commit(ctx, log, cam, prev, next, archive.Attempt{Log: rec}, OutcomeFetchFailed, start)
	}

	frame, err := o.deps.Frames.Save(cam.ID, t, img)
	if err != nil {
		log.Warn("failed to store frame", "error", err)
		if o.metrics != nil {
			o.metrics.RecordError("framestore", "save_failed")
		}
	}
	rec.ImagePath = frame.Path
	rec.FrameHash = frame.Hash
	if frame.Path != "" {
		next.lastImagePath = frame.Path
	}

	bucket := archive.HourBucket(t)
	changed := frame.Hash != prev.lastFrameHash
	hourlyMet := o.hourlyMet(ctx, log, cam.ID, bucket, prev.lastHourBucket)
	if hourlyMet {
		next.lastHourBucket = bucket
	}

	if !changed && hourlyMet {
		rec.SkippedReason = SkipUnchanged
		next.failures = 0
		next.lastSuccessAt = t
		next.lastError = ""
		next.lastSkippedReason = SkipUnchanged
		log.Debug("frame unchanged, skipping analysis", "hash", frame.Hash)
		return o.commit(ctx, log, cam, prev, next, archive.Attempt{Log: rec}, OutcomeUnchanged, start)
	}

	if o.inCooldown(prev, t) {
		rec.SkippedReason = SkipCooldown
		next.lastSkippedReason = SkipCooldown
		log.Info("analysis skipped during error cooldown",
			"last_error_at", prev.lastAnalyzeErrorAt,
			"cooldown", o.opts.ErrorCooldown,
		)
		return o.commit(ctx, log, cam, prev, next, archive.Attempt{Log: rec}, OutcomeSkipped, start)
	}

	analyzeStart := time.Now()
	res, err := o.deps.Analyzer.Analyze(ctx, vlm.Request{
		CameraID:    cam.ID,
		CameraName:  cam.DisplayName(),
		Corridor:    cam.Corridor,
		Direction:   cam.Direction,
		CapturedAt:  t,
		Image:       frame.Bytes,
		ContentType: frame.ContentType,
	})
	if o.metrics != nil {
		o.metrics.RecordAnalyze(time.Since(analyzeStart).Seconds())
	}
	if err != nil {
		kind := vlm.KindOf(err)
		if kind == "" {
			kind = vlm.KindNetwork
		}
		rec.Error = err.Error()
		rec.ErrorKind = string(kind)
		rec.Model = o.deps.Analyzer.Model()
		if vlm.IsQuotaExceeded(err) {
			rec.SkippedReason = SkipQuota
		}
		next.failures++
		next.lastFrameHash = frame.Hash
		next.lastAnalyzeErrorAt = t
		next.lastError = rec.Error
		next.lastSkippedReason = rec.SkippedReason
		if o.metrics != nil {
			o.metrics.RecordVLMCall(string(kind))
			o.metrics.RecordError("vlm", string(kind))
		}
		log.Warn("analysis failed", "kind", kind, "error", err, "failures", next.failures)
		return o.commit(ctx, log, cam, prev, next, archive.Attempt{Log: rec}, OutcomeAnalyzeFailed, start)
	}
	if o.metrics != nil {
		o.metrics.RecordVLMCall("ok")
	}

	rawPath, err := o.deps.Frames.SaveRaw(cam.ID, t, res.RawText)
	if err != nil {
		log.Warn("failed to store raw output", "error", err)
	}

	applyAnalysis(&rec, res, rawPath)
	at := archive.Attempt{Log: rec, Incidents: incidentEvents(rec)}
	if !hourlyMet {
		h := hourlySnapshot(rec, bucket)
		at.Hourly = &h
	}

	next.lastFrameHash = frame.Hash
	next.failures = 0
	next.lastSuccessAt = t
	next.lastAnalyzedAt = t
	next.trafficState = res.TrafficState
	next.lastError = ""
	next.lastSkippedReason = ""
	return o.commit(ctx, log, cam, prev, next, at, OutcomeAnalyzed, start)
}

// hourlyMet reports whether bucket already has a heartbeat row. The cached
// bucket answers without a query; a failed lookup counts as unmet.
func (o *Orchestrator) hourlyMet(ctx context.Context, log *slog.Logger, cameraID, bucket, cached string) bool {
	if cached == bucket {
		return true
	}
	ok, err := o.deps.Archive.HasHourly(ctx, cameraID, bucket)
	if err != nil {
		log.Warn("hourly lookup failed", "bucket", bucket, "error", err)
		if o.metrics != nil {
			o.metrics.RecordError("archive", "hourly_lookup_failed")
		}
		return false
	}
	return ok
}

func (o *Orchestrator) inCooldown(prev cameraState, t time.Time) bool {
	if o.opts.ErrorCooldown <= 0 || prev.lastAnalyzeErrorAt.IsZero() {
		return false
	}
	return t.Sub(prev.lastAnalyzeErrorAt) < o.opts.ErrorCooldown
}

// commit writes the attempt and then moves camera state to next. When the
// write fails the attempt is dropped: only the schedule advances.
func (o *Orchestrator) commit(
	ctx context.Context,
	log *slog.Logger,
	cam catalog.Camera,
	prev, next cameraState,
	at archive.Attempt,
	outcome Outcome,
	start time.Time,
) (Outcome, error) {
	writeStart := time.Now()
	res, err := o.deps.Archive.WriteAttempt(ctx, at)
	if o.metrics != nil {
		o.metrics.RecordWrite(time.Since(writeStart).Seconds())
	}
	if err != nil {
		dropped := prev
		dropped.lastPollAt = next.lastPollAt
		dropped.nextDueAt = next.nextDueAt
		dropped.lastOutcome = OutcomeDropped
		dropped.lastError = err.Error()
		o.setState(ctx, cam.ID, dropped)
		if o.metrics != nil {
			o.metrics.RecordError("archive", "write_failed")
			o.metrics.RecordAttempt(cam.ID, string(OutcomeDropped))
		}
		log.Error("failed to write attempt, dropping it", "outcome", outcome, "error", err)
		return OutcomeDropped, err
	}

	if at.Hourly != nil {
		if res.Hourly != archive.HourlyNotAttempted {
			next.lastHourBucket = at.Hourly.HourBucket
		}
		if o.metrics != nil {
			o.metrics.RecordHourly(res.Hourly.String())
		}
	}
	next.lastOutcome = outcome
	o.setState(ctx, cam.ID, next)

	if o.metrics != nil {
		o.metrics.RecordAttempt(cam.ID, string(outcome))
		for _, ev := range at.Incidents {
			o.metrics.RecordIncident(ev.Severity)
		}
	}

	if o.deps.Notifier != nil && len(at.Incidents) > 0 {
		events := make([]archive.IncidentEvent, len(at.Incidents))
		for i, ev := range at.Incidents {
			ev.LogID = res.LogID
			if i < len(res.IncidentIDs) {
				ev.ID = res.IncidentIDs[i]
			}
			events[i] = ev
		}
		if err := o.deps.Notifier.PublishIncidents(ctx, events); err != nil {
			log.Warn("failed to publish incidents", "count", len(events), "error", err)
			if o.metrics != nil {
				o.metrics.RecordError("notify", "publish_failed")
			}
		}
	}

	log.Info("attempt finished",
		"outcome", outcome,
		"log_id", res.LogID,
		"incidents", len(at.Incidents),
		"hourly", res.Hourly.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

func (o *Orchestrator) state(cameraID string) cameraState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.states[cameraID]
}

func (o *Orchestrator) setState(ctx context.Context, cameraID string, st cameraState) {
	o.mu.Lock()
	cur := o.states[cameraID]
	st.inFlight = cur.inFlight
	*cur = st
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetConsecutiveFailures(cameraID, st.failures)
	}
	if o.deps.Health != nil {
		o.deps.Health.Report(cameraID, st.failures)
	}
	o.publish(ctx, st.status())
}

func (o *Orchestrator) publish(ctx context.Context, status storage.CameraStatus) {
	if o.deps.Status == nil {
		return
	}
	if err := o.deps.Status.Put(ctx, status); err != nil {
		o.logger.Warn("failed to publish camera status", "camera", status.CameraID, "error", err)
		if o.metrics != nil {
			o.metrics.RecordError("status", "put_failed")
		}
	}
}

func (o *Orchestrator) publishAll(ctx context.Context) {
	for _, status := range o.Statuses() {
		o.publish(ctx, status)
	}
}

// Statuses returns the current status of every camera in catalog order.
func (o *Orchestrator) Statuses() []storage.CameraStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]storage.CameraStatus, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.states[id].status())
	}
	return out
}

func (st cameraState) status() storage.CameraStatus {
	updated := st.lastPollAt
	if updated.IsZero() {
		updated = st.nextDueAt
	}
	return storage.CameraStatus{
		CameraID:            st.camera.ID,
		Name:                st.camera.DisplayName(),
		Corridor:            st.camera.Corridor,
		Direction:           st.camera.Direction,
		PollIntervalSec:     st.camera.PollIntervalSec,
		LastPollAt:          st.lastPollAt,
		NextDueAt:           st.nextDueAt,
		LastSuccessAt:       st.lastSuccessAt,
		LastAnalyzedAt:      st.lastAnalyzedAt,
		ConsecutiveFailures: st.failures,
		LastOutcome:         string(st.lastOutcome),
		LastError:           archive.Redact(st.lastError),
		LastSkippedReason:   st.lastSkippedReason,
		TrafficState:        st.trafficState,
		LastFrameHash:       st.lastFrameHash,
		LastHourBucket:      st.lastHourBucket,
		LastImagePath:       st.lastImagePath,
		UpdatedAt:           updated,
	}
}

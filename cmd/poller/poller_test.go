package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/highwayvlm/pkg/archive"
	"github.com/HatiCode/highwayvlm/pkg/catalog"
	"github.com/HatiCode/highwayvlm/pkg/framestore"
	"github.com/HatiCode/highwayvlm/pkg/snapshot"
	"github.com/HatiCode/highwayvlm/pkg/storage"
	"github.com/HatiCode/highwayvlm/pkg/vlm"
	"google.golang.org/grpc/health"
)

var t0 = time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeFetcher returns frames[i] on call i, repeating the last frame.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	frames [][]byte
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (snapshot.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return snapshot.Image{}, f.err
	}
	i := min(f.calls-1, len(f.frames)-1)
	return snapshot.Image{Bytes: f.frames[i], ContentType: "image/jpeg", URL: url}, nil
}

type fakeFrames struct{}

func (fakeFrames) Save(cameraID string, t time.Time, img snapshot.Image) (framestore.Frame, error) {
	return framestore.Frame{
		CameraID:    cameraID,
		CapturedAt:  t,
		Bytes:       img.Bytes,
		ContentType: img.ContentType,
		Hash:        framestore.Hash(img.Bytes),
		Path:        fmt.Sprintf("frames/%s/%d.jpg", cameraID, t.Unix()),
	}, nil
}

func (fakeFrames) SaveRaw(cameraID string, t time.Time, raw string) (string, error) {
	return fmt.Sprintf("raw/%s/%d.txt", cameraID, t.Unix()), nil
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  int
	result vlm.AnalysisResult
	err    error
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req vlm.Request) (vlm.AnalysisResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(req.Image) == 0 {
		return vlm.AnalysisResult{}, errors.New("no image")
	}
	if a.err != nil {
		return vlm.AnalysisResult{}, a.err
	}
	res := a.result
	res.Model = "test-model"
	return res, nil
}

func (a *fakeAnalyzer) Model() string { return "test-model" }

func (a *fakeAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeArchive keeps attempts in memory and enforces one hourly row per
// camera and bucket.
type fakeArchive struct {
	mu       sync.Mutex
	attempts []archive.Attempt
	hourly   map[string]bool
	nextID   int64
	writeErr error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{hourly: make(map[string]bool)}
}

func (a *fakeArchive) WriteAttempt(ctx context.Context, at archive.Attempt) (archive.AttemptResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeErr != nil {
		return archive.AttemptResult{}, a.writeErr
	}
	a.nextID++
	res := archive.AttemptResult{LogID: a.nextID}
	for i := range at.Incidents {
		res.IncidentIDs = append(res.IncidentIDs, int64(100+i))
	}
	if at.Hourly != nil {
		key := at.Hourly.CameraID + "|" + at.Hourly.HourBucket
		if a.hourly[key] {
			res.Hourly = archive.HourlyAlreadyExists
		} else {
			a.hourly[key] = true
			res.Hourly = archive.HourlyInserted
		}
	}
	a.attempts = append(a.attempts, at)
	return res, nil
}

func (a *fakeArchive) HasHourly(ctx context.Context, cameraID, bucket string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hourly[cameraID+"|"+bucket], nil
}

func (a *fakeArchive) Attempts() []archive.Attempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archive.Attempt(nil), a.attempts...)
}

func (a *fakeArchive) HourlyCount() int {
	n := 0
	for _, at := range a.Attempts() {
		if at.Hourly != nil {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []archive.IncidentEvent
}

func (n *fakeNotifier) PublishIncidents(ctx context.Context, events []archive.IncidentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

type harness struct {
	clock    *fakeClock
	fetcher  *fakeFetcher
	analyzer *fakeAnalyzer
	archive  *fakeArchive
	notifier *fakeNotifier
	status   *storage.MemoryStore
	orch     *Orchestrator
}

func testCamera(id string) catalog.Camera {
	return catalog.Camera{
		ID:              id,
		Name:            "Camera " + id,
		SnapshotURL:     "http://cams.example/" + id + ".jpg",
		Corridor:        "I-80",
		Direction:       "E",
		PollIntervalSec: 60,
	}
}

func newHarness(t *testing.T, opts Options, cameras ...catalog.Camera) *harness {
	t.Helper()
	if len(cameras) == 0 {
		cameras = []catalog.Camera{testCamera("cam-1")}
	}
	h := &harness{
		clock:    &fakeClock{now: t0},
		fetcher:  &fakeFetcher{frames: [][]byte{[]byte("frame-a")}},
		analyzer: &fakeAnalyzer{result: vlm.AnalysisResult{TrafficState: vlm.TrafficFree, OverallConfidence: 0.8}},
		archive:  newFakeArchive(),
		notifier: &fakeNotifier{},
		status:   storage.NewMemoryStore(),
	}
	opts.Now = h.clock.Now
	h.orch = New(cameras, Deps{
		Fetcher:  h.fetcher,
		Frames:   fakeFrames{},
		Analyzer: h.analyzer,
		Archive:  h.archive,
		Status:   h.status,
		Notifier: h.notifier,
	}, opts, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	return h
}

// pollN runs n attempts for cam-1, advancing the clock one interval each time.
func (h *harness) pollN(t *testing.T, n int) []Outcome {
	t.Helper()
	var out []Outcome
	for i := 0; i < n; i++ {
		outcome, err := h.orch.PollOnce(context.Background(), "cam-1")
		if err != nil && outcome != OutcomeDropped {
			t.Fatalf("PollOnce() #%d error = %v", i, err)
		}
		out = append(out, outcome)
		h.clock.Advance(time.Minute)
	}
	return out
}

func TestNew_AllCamerasDueImmediately(t *testing.T) {
	h := newHarness(t, Options{}, testCamera("a"), testCamera("b"))

	statuses := h.orch.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Statuses() len = %d, want 2", len(statuses))
	}
	for _, s := range statuses {
		if !s.NextDueAt.Equal(t0) {
			t.Errorf("%s NextDueAt = %v, want %v", s.CameraID, s.NextDueAt, t0)
		}
	}
	if statuses[0].CameraID != "a" || statuses[1].CameraID != "b" {
		t.Errorf("Statuses() order = %s,%s, want catalog order", statuses[0].CameraID, statuses[1].CameraID)
	}
}

func TestTick_SchedulesNextDueByInterval(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})

	if n := h.orch.Tick(context.Background()); n != 1 {
		t.Fatalf("Tick() = %d, want 1", n)
	}
	if n := h.orch.Tick(context.Background()); n != 0 {
		t.Errorf("Tick() before due = %d, want 0", n)
	}

	var prevDue time.Time
	for i := 0; i < 3; i++ {
		st := h.orch.Statuses()[0]
		if !prevDue.IsZero() && st.NextDueAt.Sub(prevDue) != time.Minute {
			t.Errorf("next_due gap = %v, want 1m", st.NextDueAt.Sub(prevDue))
		}
		if st.NextDueAt.Sub(st.LastPollAt) != time.Minute {
			t.Errorf("NextDueAt - LastPollAt = %v, want 1m", st.NextDueAt.Sub(st.LastPollAt))
		}
		prevDue = st.NextDueAt
		h.clock.Advance(time.Minute)
		h.orch.Tick(context.Background())
	}
}

func TestAttempt_IdenticalFramesAnalyzedOnce(t *testing.T) {
	h := newHarness(t, Options{})

	outcomes := h.pollN(t, 3)

	want := []Outcome{OutcomeAnalyzed, OutcomeUnchanged, OutcomeUnchanged}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcome[%d] = %s, want %s", i, outcomes[i], want[i])
		}
	}
	if h.analyzer.Calls() != 1 {
		t.Errorf("analyzer calls = %d, want 1", h.analyzer.Calls())
	}
	attempts := h.archive.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("log rows = %d, want 3", len(attempts))
	}
	for _, at := range attempts[1:] {
		if at.Log.SkippedReason != SkipUnchanged {
			t.Errorf("skipped_reason = %q, want %q", at.Log.SkippedReason, SkipUnchanged)
		}
		if at.Log.ImagePath == "" {
			t.Error("skipped row has no image path")
		}
	}
	if h.archive.HourlyCount() != 1 {
		t.Errorf("hourly rows = %d, want 1", h.archive.HourlyCount())
	}
}

func TestAttempt_OneByteChangeTriggersAnalysis(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.frames = [][]byte{[]byte("frame-a"), []byte("frame-b")}

	outcomes := h.pollN(t, 2)

	if outcomes[1] != OutcomeAnalyzed {
		t.Errorf("second outcome = %s, want analyzed", outcomes[1])
	}
	if h.analyzer.Calls() != 2 {
		t.Errorf("analyzer calls = %d, want 2", h.analyzer.Calls())
	}
	if h.archive.HourlyCount() != 1 {
		t.Errorf("hourly rows = %d, want 1 within the same hour", h.archive.HourlyCount())
	}
}

func TestAttempt_HourlyHeartbeatForcesAnalysis(t *testing.T) {
	h := newHarness(t, Options{})

	h.pollN(t, 1)
	h.clock.Advance(time.Hour)
	outcomes := h.pollN(t, 1)

	if outcomes[0] != OutcomeAnalyzed {
		t.Errorf("outcome in new hour = %s, want analyzed", outcomes[0])
	}
	if h.archive.HourlyCount() != 2 {
		t.Errorf("hourly rows = %d, want 2", h.archive.HourlyCount())
	}
	if got := h.orch.Statuses()[0].LastHourBucket; got != "2026-03-01T11:00:00Z" {
		t.Errorf("LastHourBucket = %q, want 2026-03-01T11:00:00Z", got)
	}
}

func TestAttempt_ExistingHourlyRowAfterRestart(t *testing.T) {
	h := newHarness(t, Options{})
	h.archive.hourly["cam-1|"+archive.HourBucket(t0)] = true

	h.pollN(t, 2)

	attempts := h.archive.Attempts()
	if attempts[0].Hourly != nil {
		t.Error("first attempt wrote an hourly row although one already exists")
	}
	if h.analyzer.Calls() != 1 {
		t.Errorf("analyzer calls = %d, want 1", h.analyzer.Calls())
	}
}

func TestAttempt_FetchFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.err = &snapshot.FetchError{Kind: snapshot.KindHTTPStatus, StatusCode: 503}

	outcomes := h.pollN(t, 3)

	for i, o := range outcomes {
		if o != OutcomeFetchFailed {
			t.Errorf("outcome[%d] = %s, want fetch_failed", i, o)
		}
	}
	attempts := h.archive.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("log rows = %d, want 3", len(attempts))
	}
	for _, at := range attempts {
		if at.Log.Error == "" || at.Log.ErrorKind != string(snapshot.KindHTTPStatus) {
			t.Errorf("row error = %q kind = %q", at.Log.Error, at.Log.ErrorKind)
		}
		if at.Hourly != nil {
			t.Error("fetch failure wrote an hourly row")
		}
	}
	if h.analyzer.Calls() != 0 {
		t.Errorf("analyzer calls = %d, want 0", h.analyzer.Calls())
	}
	st := h.orch.Statuses()[0]
	if st.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", st.ConsecutiveFailures)
	}

	h.fetcher.err = nil
	h.pollN(t, 1)
	if st := h.orch.Statuses()[0]; st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Errorf("after recovery failures = %d error = %q", st.ConsecutiveFailures, st.LastError)
	}
}

func TestAttempt_EmptySnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.err = &snapshot.FetchError{Kind: snapshot.KindEmpty}

	h.pollN(t, 1)

	at := h.archive.Attempts()[0]
	if at.Log.SkippedReason != SkipEmptySnapshot {
		t.Errorf("skipped_reason = %q, want %q", at.Log.SkippedReason, SkipEmptySnapshot)
	}
	if h.orch.Statuses()[0].ConsecutiveFailures != 1 {
		t.Error("empty snapshot should count as a failure")
	}
}

func TestAttempt_IncidentsShareLogID(t *testing.T) {
	h := newHarness(t, Options{})
	h.analyzer.result = vlm.AnalysisResult{
		TrafficState: vlm.TrafficStopAndGo,
		Incidents: []vlm.Incident{
			{Type: "crash", Severity: "major", Description: "two cars"},
			{Type: "debris", Severity: "minor", Description: "tire"},
		},
	}

	outcomes := h.pollN(t, 1)
	if outcomes[0] != OutcomeAnalyzed {
		t.Fatalf("outcome = %s, want analyzed", outcomes[0])
	}

	at := h.archive.Attempts()[0]
	if len(at.Incidents) != 2 {
		t.Fatalf("incident events = %d, want 2", len(at.Incidents))
	}
	if at.Hourly == nil || at.Hourly.Status != archive.StatusIncident || at.Hourly.IncidentCount != 2 {
		t.Errorf("hourly = %+v, want incident status with 2 incidents", at.Hourly)
	}

	if len(h.notifier.events) != 2 {
		t.Fatalf("published events = %d, want 2", len(h.notifier.events))
	}
	for _, ev := range h.notifier.events {
		if ev.LogID != 1 {
			t.Errorf("event LogID = %d, want 1", ev.LogID)
		}
		if ev.ID == 0 {
			t.Error("event ID not assigned")
		}
	}
}

func TestAttempt_IncidentsShareLogIDInArchive(t *testing.T) {
	db, err := archive.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("archive.Open() error = %v", err)
	}
	defer db.Close()

	h := newHarness(t, Options{})
	h.orch.deps.Archive = db
	h.analyzer.result = vlm.AnalysisResult{
		TrafficState: vlm.TrafficHeavy,
		Incidents: []vlm.Incident{
			{Type: "crash", Severity: "major", Description: "a"},
			{Type: "stall", Severity: "minor", Description: "b"},
		},
	}
	h.pollN(t, 1)

	ctx := context.Background()
	logs, err := db.ListLogs(ctx, archive.Filter{CameraID: "cam-1"})
	if err != nil || len(logs) != 1 {
		t.Fatalf("ListLogs() = %d rows, err %v", len(logs), err)
	}
	events, err := db.ListIncidents(ctx, archive.Filter{CameraID: "cam-1"})
	if err != nil || len(events) != 2 {
		t.Fatalf("ListIncidents() = %d rows, err %v", len(events), err)
	}
	for _, ev := range events {
		if ev.LogID != logs[0].ID {
			t.Errorf("event LogID = %d, want %d", ev.LogID, logs[0].ID)
		}
	}
	hourly, err := db.ListHourly(ctx, archive.Filter{CameraID: "cam-1"})
	if err != nil || len(hourly) != 1 {
		t.Fatalf("ListHourly() = %d rows, err %v", len(hourly), err)
	}
}

func TestAttempt_AnalyzeFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.analyzer.err = &vlm.AnalyzeError{Kind: vlm.KindHTTPStatus, StatusCode: 500, Attempts: 3}

	outcomes := h.pollN(t, 2)

	if outcomes[0] != OutcomeAnalyzeFailed {
		t.Errorf("first outcome = %s, want analyze_failed", outcomes[0])
	}
	// The hash advanced, but the hour is still unmet, so the same frame is retried.
	if outcomes[1] != OutcomeAnalyzeFailed {
		t.Errorf("second outcome = %s, want analyze_failed", outcomes[1])
	}
	if h.analyzer.Calls() != 2 {
		t.Errorf("analyzer calls = %d, want 2", h.analyzer.Calls())
	}
	at := h.archive.Attempts()[0]
	if at.Log.ErrorKind != string(vlm.KindHTTPStatus) || at.Log.Model != "test-model" {
		t.Errorf("row kind = %q model = %q", at.Log.ErrorKind, at.Log.Model)
	}
	if h.archive.HourlyCount() != 0 {
		t.Error("failed analysis wrote an hourly row")
	}
	if st := h.orch.Statuses()[0]; st.ConsecutiveFailures != 2 || st.LastFrameHash == "" {
		t.Errorf("failures = %d hash = %q", st.ConsecutiveFailures, st.LastFrameHash)
	}
}

func TestAttempt_QuotaExceeded(t *testing.T) {
	h := newHarness(t, Options{})
	h.analyzer.err = &vlm.AnalyzeError{Kind: vlm.KindRateLimited, StatusCode: 429, Quota: true, Attempts: 1}

	h.pollN(t, 1)

	at := h.archive.Attempts()[0]
	if at.Log.SkippedReason != SkipQuota {
		t.Errorf("skipped_reason = %q, want %q", at.Log.SkippedReason, SkipQuota)
	}
	if at.Log.Error == "" {
		t.Error("quota row has no error")
	}
	if at.Hourly != nil || h.archive.HourlyCount() != 0 {
		t.Error("skipped analysis wrote an hourly row")
	}
}

func TestAttempt_ErrorCooldown(t *testing.T) {
	h := newHarness(t, Options{ErrorCooldown: 5 * time.Minute})
	h.analyzer.err = errors.New("boom")
	h.fetcher.frames = [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e"), []byte("f"), []byte("g")}

	outcomes := h.pollN(t, 6)

	if outcomes[0] != OutcomeAnalyzeFailed {
		t.Errorf("outcome[0] = %s, want analyze_failed", outcomes[0])
	}
	for i := 1; i < 5; i++ {
		if outcomes[i] != OutcomeSkipped {
			t.Errorf("outcome[%d] = %s, want skipped", i, outcomes[i])
		}
	}
	if outcomes[5] != OutcomeAnalyzeFailed {
		t.Errorf("outcome[5] = %s, want analyze_failed after cooldown", outcomes[5])
	}
	if h.analyzer.Calls() != 2 {
		t.Errorf("analyzer calls = %d, want 2", h.analyzer.Calls())
	}
	if got := h.archive.Attempts()[1].Log.SkippedReason; got != SkipCooldown {
		t.Errorf("skipped_reason = %q, want %q", got, SkipCooldown)
	}
}

func TestAttempt_WriteFailureDropsAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	h.archive.writeErr = errors.New("disk I/O error")

	outcome, err := h.orch.PollOnce(context.Background(), "cam-1")
	if err == nil || outcome != OutcomeDropped {
		t.Fatalf("PollOnce() = %s, %v; want dropped with error", outcome, err)
	}

	st := h.orch.Statuses()[0]
	if st.LastFrameHash != "" {
		t.Error("dropped attempt advanced the frame hash")
	}
	if st.LastHourBucket != "" {
		t.Error("dropped attempt recorded an hourly bucket")
	}
	if !st.NextDueAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("NextDueAt = %v, want schedule to advance", st.NextDueAt)
	}
	if st.LastOutcome != string(OutcomeDropped) {
		t.Errorf("LastOutcome = %q, want dropped", st.LastOutcome)
	}
	if len(h.notifier.events) != 0 {
		t.Error("dropped attempt published events")
	}

	h.archive.writeErr = nil
	h.clock.Advance(time.Minute)
	if outcome, _ := h.orch.PollOnce(context.Background(), "cam-1"); outcome != OutcomeAnalyzed {
		t.Errorf("retry outcome = %s, want analyzed", outcome)
	}
}

func TestPollOnce_Errors(t *testing.T) {
	h := newHarness(t, Options{})

	if _, err := h.orch.PollOnce(context.Background(), "nope"); !errors.Is(err, ErrUnknownCamera) {
		t.Errorf("unknown camera err = %v, want ErrUnknownCamera", err)
	}
	if _, err := h.orch.PollOnce(context.Background(), "cam-1"); err != nil {
		t.Fatalf("first PollOnce() error = %v", err)
	}
	if _, err := h.orch.PollOnce(context.Background(), "cam-1"); !errors.Is(err, ErrNotDue) {
		t.Errorf("second PollOnce() err = %v, want ErrNotDue", err)
	}

	h.clock.Advance(time.Minute)
	h.orch.mu.Lock()
	h.orch.states["cam-1"].inFlight = true
	h.orch.mu.Unlock()
	if _, err := h.orch.PollOnce(context.Background(), "cam-1"); !errors.Is(err, ErrInFlight) {
		t.Errorf("in-flight PollOnce() err = %v, want ErrInFlight", err)
	}
}

func TestAttempt_PublishesStatus(t *testing.T) {
	h := newHarness(t, Options{})
	h.pollN(t, 1)

	st, ok, err := h.status.GetLatest(context.Background(), "cam-1")
	if err != nil || !ok {
		t.Fatalf("GetLatest() ok = %v err = %v", ok, err)
	}
	if st.TrafficState != vlm.TrafficFree || st.LastOutcome != string(OutcomeAnalyzed) {
		t.Errorf("status = %+v", st)
	}
	if !st.UpdatedAt.Equal(t0) {
		t.Errorf("UpdatedAt = %v, want %v", st.UpdatedAt, t0)
	}
}

func TestAttempt_ReportsHealth(t *testing.T) {
	h := newHarness(t, Options{})
	hs := health.NewServer()
	h.orch.deps.Health = NewHealthReporter(hs, []string{"cam-1"}, 2, nil)
	h.fetcher.err = errors.New("dial tcp: refused")

	h.pollN(t, 2)

	if got := servingStatus(t, hs, ServiceName("cam-1")); got != notServing {
		t.Errorf("health after 2 failures = %v, want NOT_SERVING", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{Workers: 2}, testCamera("cam-1"), testCamera("cam-2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, 10*time.Millisecond) }()

	deadline := time.After(5 * time.Second)
	for len(h.archive.Attempts()) < 2 {
		select {
		case <-deadline:
			t.Fatal("attempts not dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	// The fake clock never moves, so each camera ran exactly once.
	if n := len(h.archive.Attempts()); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

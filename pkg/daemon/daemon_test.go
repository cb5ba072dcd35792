package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/config"
	"github.com/montanafw/trimcal/pkg/events"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/hw/sim"
	"github.com/montanafw/trimcal/pkg/plan"
)

// setupTestDaemon wires the daemon globals to a simulated board and a config
// file in a temporary directory.
func setupTestDaemon(t *testing.T, b *sim.Board) (*gin.Engine, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "trimcal.json")
	conf = config.NewFileFromConfig(&config.RawFileConfig{}, path)
	device = hw.New(b)
	sseHub = events.NewEventHub()
	scheduler = newScheduler()
	calibrationState = &calibration.State{Phase: calibration.PhaseIdle}
	lastReport = nil
	initCalibrationState(statePaths(path))

	t.Cleanup(func() {
		scheduler.Stop()
		sseHub.Close()
	})
	return setupRoutes(), path
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

func waitIdle(t *testing.T) *calibration.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		st := getCalibrationStatus()
		if !st.Running {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("calibration still running at step %s", st.Step)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunCalibration(t *testing.T) {
	r, path := setupTestDaemon(t, sim.NewBoard())

	sub := sseHub.Subscribe()
	counts := make(chan map[string]int, 1)
	go func() {
		n := map[string]int{}
		for ev := range sub {
			n[ev.Name]++
		}
		counts <- n
	}()

	w := do(r, http.MethodPost, "/calibration/run", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /calibration/run = %d: %s", w.Code, w.Body.String())
	}

	st := waitIdle(t)
	if st.Phase != calibration.PhaseIdle || st.LastStatus != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.FinishedAt.Before(st.StartedAt) {
		t.Fatalf("finished before started")
	}

	w = do(r, http.MethodGet, "/calibration/results", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /calibration/results = %d", w.Code)
	}
	rep := decode[plan.Report](t, w)
	if rep.Status != 0 || len(rep.Results) != len(plan.Default().Steps) {
		t.Fatalf("unexpected report: status %s, %d results", rep.Status, len(rep.Results))
	}

	statePath, resultsPath := statePaths(path)
	for _, p := range []string{statePath, resultsPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s not persisted: %v", p, err)
		}
	}

	// Slow subscribers lose events, so only presence is checked.
	sseHub.Unsubscribe(sub)
	n := <-counts
	for _, name := range []string{events.CalibrationAction, events.CalibrationPhase, events.CalibrationStep} {
		if n[name] == 0 {
			t.Errorf("no %s event published", name)
		}
	}
}

func TestRunCalibrationWhileRunning(t *testing.T) {
	r, _ := setupTestDaemon(t, sim.NewBoard())
	calibrationState.Phase = calibration.PhasePower

	for _, path := range []string{"/calibration/run", "/calibration/rail/vddc", "/crystal/xtal32"} {
		w := do(r, http.MethodPost, path, "110")
		if w.Code != http.StatusConflict {
			t.Errorf("POST %s = %d, want 409", path, w.Code)
		}
	}
	if err := calibrationPreCheck(); err != ErrCalibrationInProgress {
		t.Errorf("calibrationPreCheck() = %v", err)
	}
}

func TestResultsBeforeFirstRun(t *testing.T) {
	r, _ := setupTestDaemon(t, sim.NewBoard())
	if w := do(r, http.MethodGet, "/calibration/results", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET /calibration/results = %d, want 404", w.Code)
	}
}

func TestCalibrateBlock(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{"rail", "/calibration/rail/vddc", "110", http.StatusOK},
		{"oscillator", "/calibration/osc/rc32k", "32768", http.StatusOK},
		{"rail as oscillator", "/calibration/osc/vddc", "110", http.StatusBadRequest},
		{"oscillator as rail", "/calibration/rail/rc32k", "32768", http.StatusBadRequest},
		{"unknown block", "/calibration/rail/vbat", "110", http.StatusBadRequest},
		{"zero target", "/calibration/rail/vddc", "0", http.StatusBadRequest},
		{"malformed target", "/calibration/rail/vddc", `"high"`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := setupTestDaemon(t, sim.NewBoard())
			w := do(r, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("POST %s = %d, want %d: %s", tt.path, w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			res := decode[plan.StepResult](t, w)
			if res.Status != 0 || res.Result.Measured == 0 {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestCalibrateBlockFailureStatus(t *testing.T) {
	b := sim.NewBoard()
	b.Rails[hw.RegVDDCCtrl].Law = sim.Constant(400)
	r, _ := setupTestDaemon(t, b)

	w := do(r, http.MethodPost, "/calibration/rail/vddc", "110")
	if w.Code != http.StatusOK {
		t.Fatalf("POST = %d: %s", w.Code, w.Body.String())
	}
	res := decode[plan.StepResult](t, w)
	if !res.Status.Failed(calibration.BlockVDDC) || res.Error == "" {
		t.Fatalf("failure not reported: %+v", res)
	}
}

func TestCheckCrystalHandler(t *testing.T) {
	r, _ := setupTestDaemon(t, sim.NewBoard())

	w := do(r, http.MethodPost, "/crystal/xtal32?gpio=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /crystal/xtal32 = %d: %s", w.Code, w.Body.String())
	}
	if resp := decode[plan.CrystalReport](t, w); resp.Status != 0 || resp.Check.Count == 0 {
		t.Fatalf("unexpected response %+v", resp)
	}

	for _, path := range []string{"/crystal/xtal16", "/crystal/xtal32?gpio=99", "/crystal/xtal32?gpio=x"} {
		if w := do(r, http.MethodPost, path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", path, w.Code)
		}
	}

	b := sim.NewBoard()
	b.XTAL48Present = false
	r, _ = setupTestDaemon(t, b)
	w = do(r, http.MethodPost, "/crystal/xtal48", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /crystal/xtal48 = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[plan.CrystalReport](t, w)
	if resp.Status.Kind() != calibration.KindSignalTimeout || resp.Error == "" {
		t.Fatalf("missing crystal not reported: %+v", resp)
	}
}

func TestScheduleHandlers(t *testing.T) {
	r, path := setupTestDaemon(t, sim.NewBoard())

	if w := do(r, http.MethodPost, "/schedule/skip", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("skip without schedule = %d, want 400", w.Code)
	}
	if w := do(r, http.MethodPut, "/schedule", "not a cron"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid cron = %d, want 400", w.Code)
	}

	w := do(r, http.MethodPut, "/schedule", "0 3 * * *")
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /schedule = %d: %s", w.Code, w.Body.String())
	}
	if runs := decode[[]time.Time](t, w); len(runs) != 3 {
		t.Fatalf("got %d next runs", len(runs))
	}
	if conf.Cron() != "0 3 * * *" {
		t.Fatalf("cron not stored: %q", conf.Cron())
	}
	saved, err := config.NewFile(path)
	if err != nil || saved.Cron() != "0 3 * * *" {
		t.Fatalf("cron not saved: %v", err)
	}
	if st := getCalibrationStatus(); st.ScheduledAt.IsZero() {
		t.Fatalf("status has no scheduled run")
	}

	before, _ := scheduler.Status()
	if w := do(r, http.MethodPost, "/schedule/skip", ""); w.Code != http.StatusOK {
		t.Fatalf("POST /schedule/skip = %d", w.Code)
	}
	if after, _ := scheduler.Status(); !after.After(before) {
		t.Fatalf("skip did not advance the schedule")
	}

	if w := do(r, http.MethodDelete, "/schedule", ""); w.Code != http.StatusOK {
		t.Fatalf("DELETE /schedule = %d", w.Code)
	}
	if conf.Cron() != "" {
		t.Fatalf("cron not cleared: %q", conf.Cron())
	}
}

func TestInitCalibrationStateMarksInterruptedRun(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "s.json")
	b, _ := json.Marshal(calibration.State{Phase: calibration.PhaseClock, Step: calibration.BlockRC32K})
	if err := os.WriteFile(statePath, b, 0644); err != nil {
		t.Fatal(err)
	}

	calibrationState = &calibration.State{Phase: calibration.PhaseIdle}
	lastReport = nil
	initCalibrationState(statePath, filepath.Join(dir, "missing.json"))

	if calibrationState.Phase != calibration.PhaseError {
		t.Fatalf("phase = %s, want %s", calibrationState.Phase, calibration.PhaseError)
	}
	if !strings.Contains(calibrationState.LastError, "rc32k") {
		t.Fatalf("LastError = %q", calibrationState.LastError)
	}
	if lastReport != nil {
		t.Fatalf("results loaded from a missing file")
	}
}

func TestEventsStream(t *testing.T) {
	r, _ := setupTestDaemon(t, sim.NewBoard())
	srv := httptest.NewServer(r)
	defer srv.Close()

	// Headers are only flushed with the first event, so keep publishing
	// until the stream delivers one.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				publishAction(calibration.ActionStart, "hello")
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == "event:"+events.CalibrationAction {
			return
		}
	}
	t.Fatalf("no %s event received: %v", events.CalibrationAction, sc.Err())
}

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/config"
	"github.com/montanafw/trimcal/pkg/events"
	"github.com/montanafw/trimcal/pkg/osc"
	"github.com/montanafw/trimcal/pkg/plan"
)

// newRunner builds the plan runner of one request. It is a var for tests.
var newRunner = func(notify func(plan.Event)) *plan.Runner {
	return plan.NewRunner(device, config.RunnerOptions(conf, notify))
}

var (
	calibrationMu          = &sync.Mutex{}
	calibrationState       = &calibration.State{Phase: calibration.PhaseIdle}
	calibrationStatePath   = ""
	calibrationResultsPath = ""
	lastReport             *plan.Report
)

var (
	ErrCalibrationInProgress = errors.New("calibration already in progress")
	ErrNoResults             = errors.New("no calibration results")
)

func running(st *calibration.State) bool {
	return st.Phase == calibration.PhasePower || st.Phase == calibration.PhaseClock
}

// initCalibrationState loads the persisted state and results. A run that was
// interrupted by a restart is reported as failed.
func initCalibrationState(statePath, resultsPath string) {
	calibrationStatePath = statePath
	calibrationResultsPath = resultsPath

	var st calibration.State
	if readJSON(statePath, &st) {
		if running(&st) {
			st.Phase = calibration.PhaseError
			st.LastError = fmt.Sprintf("interrupted at %s by a daemon restart", st.Step)
			st.FinishedAt = time.Now()
		}
		calibrationState = &st
	}

	var rep plan.Report
	if readJSON(resultsPath, &rep) {
		lastReport = &rep
	}
}

func readJSON(path string, v any) bool {
	if path == "" {
		return false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).WithField("path", path).Warn("failed to read file")
		}
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		logrus.WithError(err).WithField("path", path).Warn("failed to unmarshal file")
		return false
	}
	return true
}

func writeJSON(path string, v any) {
	if path == "" {
		return
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logrus.WithError(err).WithField("path", path).Error("failed to marshal")
		return
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		logrus.WithError(err).WithField("path", path).Error("failed to write file")
	}
}

// persistCalibrationState must be called with calibrationMu held.
func persistCalibrationState() {
	writeJSON(calibrationStatePath, calibrationState)
}

func publishAction(action calibration.Action, format string, a ...any) {
	sseHub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(action),
		Message: fmt.Sprintf(format, a...),
		Ts:      time.Now().Unix(),
	})
}

// setPhase moves the run to phase and broadcasts the change. It must be
// called with calibrationMu held.
func setPhase(phase calibration.Phase, message string) {
	prev := calibrationState.Phase
	calibrationState.Phase = phase
	if prev == phase {
		return
	}
	sseHub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(prev),
		To:      string(phase),
		Message: message,
		Ts:      time.Now().Unix(),
	})
	logrus.WithFields(logrus.Fields{
		"from": prev,
		"to":   phase,
	}).Debug("calibration phase changed")
}

// beginCalibration moves the station out of idle and returns the plan to run.
func beginCalibration() (plan.Plan, error) {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	if running(calibrationState) {
		return plan.Plan{}, ErrCalibrationInProgress
	}

	p := conf.Targets()
	if err := p.Validate(); err != nil {
		return plan.Plan{}, err
	}

	calibrationState = &calibration.State{
		Phase:     calibration.PhaseIdle,
		StartedAt: time.Now(),
	}
	setPhase(phaseOf(p.Steps[0].Block), fmt.Sprintf("Calibrating %d blocks", len(p.Steps)))
	calibrationState.Step = p.Steps[0].Block
	persistCalibrationState()

	publishAction(calibration.ActionStart, "Start calibration of %d steps", len(p.Steps))
	return p, nil
}

func phaseOf(b calibration.Block) calibration.Phase {
	if b.IsOscillator() {
		return calibration.PhaseClock
	}
	return calibration.PhasePower
}

// startCalibration starts a plan run in the background.
func startCalibration() error {
	p, err := beginCalibration()
	if err != nil {
		return err
	}
	go func() {
		_ = executeCalibration(p)
	}()
	return nil
}

// scheduledCalibration runs the plan in the foreground for the scheduler.
func scheduledCalibration() error {
	p, err := beginCalibration()
	if err != nil {
		return err
	}
	return executeCalibration(p)
}

// calibrationPreCheck refuses a scheduled run while another one is active.
func calibrationPreCheck() error {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()
	if running(calibrationState) {
		return ErrCalibrationInProgress
	}
	return nil
}

func executeCalibration(p plan.Plan) error {
	report, err := newRunner(onPlanEvent).Run(p)

	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	st := calibrationState
	st.FinishedAt = time.Now()
	st.LastStatus = report.Status

	switch {
	case err != nil:
		st.LastError = err.Error()
		setPhase(calibration.PhaseError, st.LastError)
	case !report.OK():
		st.LastError = fmt.Sprintf("calibration failed: %s", report.Status)
		setPhase(calibration.PhaseError, st.LastError)
	default:
		st.LastError = ""
		setPhase(calibration.PhaseIdle, fmt.Sprintf("Calibration completed in %s", formatDuration(st.FinishedAt.Sub(st.StartedAt))))
	}
	persistCalibrationState()

	if err == nil {
		lastReport = &report
		writeJSON(calibrationResultsPath, report)
	}

	logrus.WithFields(logrus.Fields{
		"phase":  st.Phase,
		"status": st.LastStatus.String(),
	}).Info("calibration finished")

	if err != nil {
		return err
	}
	if !report.OK() {
		return errors.New(st.LastError)
	}
	return nil
}

// onPlanEvent tracks the running step and forwards progress to subscribers.
func onPlanEvent(e plan.Event) {
	ev := events.CalibrationStepEvent{
		Kind:   string(e.Kind),
		Index:  e.Index,
		Total:  e.Total,
		Block:  string(e.Step.Block),
		Target: e.Step.TargetString(),
		Ts:     time.Now().Unix(),
	}

	switch e.Kind {
	case plan.EventStepStarted:
		calibrationMu.Lock()
		if running(calibrationState) {
			calibrationState.Step = e.Step.Block
			setPhase(phaseOf(e.Step.Block), fmt.Sprintf("Calibrating %s", e.Step))
			persistCalibrationState()
		}
		calibrationMu.Unlock()
	case plan.EventStepFinished:
		if r := e.Result; r != nil {
			ev.Code = uint32(r.Result.Code)
			ev.Measured = r.Result.Measured
			ev.Status = uint32(r.Status)
			ev.Error = r.Error
			ev.Substituted = r.Substituted
		}
	}

	sseHub.Publish(events.CalibrationStep, ev)
}

// runStep calibrates a single block outside of a plan run.
func runStep(s plan.Step) (plan.StepResult, error) {
	if err := calibrationPreCheck(); err != nil {
		return plan.StepResult{}, err
	}
	return newRunner(onPlanEvent).RunStep(s)
}

// checkCrystal runs the crystal presence check.
func checkCrystal(x osc.Crystal, gpio int) (osc.CrystalCheck, error) {
	if err := calibrationPreCheck(); err != nil {
		return osc.CrystalCheck{}, err
	}
	return newRunner(nil).CheckCrystal(x, gpio)
}

func getCalibrationResults() (*plan.Report, error) {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()
	if lastReport == nil {
		return nil, ErrNoResults
	}
	rep := *lastReport
	return &rep, nil
}

func getCalibrationStatus() *calibration.Status {
	calibrationMu.Lock()
	st := *calibrationState
	calibrationMu.Unlock()

	var next time.Time
	if scheduler != nil {
		n, active := scheduler.Status()
		if active {
			next = n
		}
	}

	return &calibration.Status{
		Phase:       st.Phase,
		Step:        st.Step,
		Running:     running(&st),
		StartedAt:   st.StartedAt,
		FinishedAt:  st.FinishedAt,
		LastStatus:  st.LastStatus,
		FailedBlock: st.LastStatus.FailedBlocks(),
		Message:     st.LastError,
		ScheduledAt: next,
	}
}

// schedule sets the cron expression for scheduled calibrations and returns the
// next run times. An empty expression disables the schedule.
func schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if conf.Cron() == "" {
			return nil, nil
		}

		conf.SetCron("")
		if err := conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		scheduler.Unschedule()
		publishAction(calibration.ActionScheduleDisable, "Calibration schedule disabled")
		return nil, nil
	}

	nextRuns, err := NextRuns(cronExpr, time.Now(), 3)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	conf.SetCron(cronExpr)
	if err := conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	if err := scheduler.Schedule(cronExpr); err != nil {
		logrus.WithError(err).Error("failed to schedule calibration")
		return nil, err
	}
	scheduler.Start()

	publishAction(calibration.ActionSchedule, "Calibration scheduled at %s", nextRuns[0].Format("Jan _2 15:04"))
	return nextRuns, nil
}

func skipNextSchedule() error {
	if err := scheduler.Skip(); err != nil {
		logrus.WithError(err).Error("failed to skip next scheduled calibration")
		return err
	}

	next, _ := scheduler.Status()
	publishAction(calibration.ActionScheduleSkip, "Calibration skipped, next run at %s", next.Format("Jan _2 15:04"))
	return nil
}

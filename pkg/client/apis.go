package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/config"
	"github.com/montanafw/trimcal/pkg/osc"
	"github.com/montanafw/trimcal/pkg/plan"
)

func getJSON[T any](c *Client, path, what string) (*T, error) {
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", what)
	}

	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	v, err := strconv.Unquote(ret)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to parse version %q", ret)
	}
	return v, nil
}

// StartCalibration starts the configured plan on the daemon.
func (c *Client) StartCalibration() (string, error) {
	return c.Post("/calibration/run", "")
}

func (c *Client) GetCalibrationStatus() (*calibration.Status, error) {
	return getJSON[calibration.Status](c, "/calibration/status", "calibration status")
}

// GetCalibrationResults returns the report of the last finished plan run.
// ErrNotFound is returned before the first run.
func (c *Client) GetCalibrationResults() (*plan.Report, error) {
	return getJSON[plan.Report](c, "/calibration/results", "calibration results")
}

// Calibrate calibrates a single block to target on the daemon.
func (c *Client) Calibrate(b calibration.Block, target uint32) (*plan.StepResult, error) {
	kind := "rail"
	if b.IsOscillator() {
		kind = "osc"
	}
	ret, err := c.Post(fmt.Sprintf("/calibration/%s/%s", kind, b), strconv.FormatUint(uint64(target), 10))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to calibrate %s", b)
	}

	var res plan.StepResult
	if err := json.Unmarshal([]byte(ret), &res); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s result", b)
	}
	return &res, nil
}

// CheckCrystal runs the crystal check of x routed to GPIO pad gpio.
func (c *Client) CheckCrystal(x osc.Crystal, gpio int) (*plan.CrystalReport, error) {
	ret, err := c.Post(fmt.Sprintf("/crystal/%s?gpio=%d", x, gpio), "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to check %s", x)
	}

	var rep plan.CrystalReport
	if err := json.Unmarshal([]byte(ret), &rep); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal crystal check")
	}
	return &rep, nil
}

// Schedule sets the calibration schedule and returns the next run times. An
// empty expression disables the schedule.
func (c *Client) Schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if _, err := c.Delete("/schedule"); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to disable schedule")
		}
		return nil, nil
	}

	ret, err := c.Put("/schedule", cronExpr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	var runs []time.Time
	if err := json.Unmarshal([]byte(ret), &runs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal next runs")
	}
	return runs, nil
}

// SkipSchedule skips the next scheduled run and returns the one after it.
func (c *Client) SkipSchedule() (time.Time, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to skip schedule")
	}
	var next time.Time
	if err := json.Unmarshal([]byte(ret), &next); err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to unmarshal next run")
	}
	return next, nil
}

package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/config"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/osc"
	"github.com/montanafw/trimcal/pkg/plan"
	"github.com/montanafw/trimcal/pkg/version"
)

// sseKeepAlive is the interval of comment lines on idle event streams.
const sseKeepAlive = 15 * time.Second

// defaultCrystalGPIO is the pad crystals are routed to when none is given.
const defaultCrystalGPIO = 1

func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

// busyStatus maps errors of a station that is already calibrating to 409.
func busyStatus(err error) int {
	if errors.Is(err, ErrCalibrationInProgress) || errors.Is(err, hw.ErrBusy) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func postRunCalibration(c *gin.Context) {
	if err := startCalibration(); err != nil {
		abort(c, busyStatus(err), err)
		return
	}
	logrus.Info("calibration started")
	c.IndentedJSON(http.StatusAccepted, "calibration started")
}

// postCalibrateBlock calibrates one block to the target in the JSON body.
// oscillator selects whether oscillator or rail names are accepted.
func postCalibrateBlock(oscillator bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := calibration.ParseBlock(c.Param("name"))
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		if b.IsOscillator() != oscillator {
			kind := "rail"
			if oscillator {
				kind = "oscillator"
			}
			abort(c, http.StatusBadRequest, fmt.Errorf("%s is not a %s", b, kind))
			return
		}

		var target uint32
		if err := c.BindJSON(&target); err != nil {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			return
		}
		step := plan.Step{Block: b, Target: target}
		if err := (plan.Plan{Steps: []plan.Step{step}}).Validate(); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		res, err := runStep(step)
		if err != nil {
			abort(c, busyStatus(err), err)
			return
		}

		logrus.WithFields(logrus.Fields{
			"block":  b,
			"status": res.Status.String(),
		}).Info("single block calibration finished")
		c.IndentedJSON(http.StatusOK, res)
	}
}

func postCheckCrystal(c *gin.Context) {
	x, err := osc.ParseCrystal(c.Param("name"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	gpio := defaultCrystalGPIO
	if s := c.Query("gpio"); s != "" {
		gpio, err = strconv.Atoi(s)
		if err != nil || gpio < 0 || gpio >= hw.NumGPIO {
			abort(c, http.StatusBadRequest, fmt.Errorf("gpio must be between 0 and %d, got %q", hw.NumGPIO-1, s))
			return
		}
	}

	check, err := checkCrystal(x, gpio)
	var calErr *calibration.Error
	if err != nil && !errors.As(err, &calErr) {
		abort(c, busyStatus(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, plan.NewCrystalReport(check, err))
}

func getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, getCalibrationStatus())
}

func getResults(c *gin.Context) {
	rep, err := getCalibrationResults()
	if err != nil {
		abort(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, rep)
}

// getEvents streams hub events as server-sent events until the client goes
// away or the hub closes.
func getEvents(c *gin.Context) {
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func putSchedule(c *gin.Context) {
	b, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	expr := strings.TrimSpace(string(b))
	if expr == "" {
		abort(c, http.StatusBadRequest, errors.New("cron expression cannot be empty"))
		return
	}

	nextRuns, err := schedule(expr)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	logrus.WithField("cron", expr).Info("calibration scheduled")
	c.IndentedJSON(http.StatusOK, nextRuns)
}

func deleteSchedule(c *gin.Context) {
	if _, err := schedule(""); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	logrus.Info("calibration schedule disabled")
	c.IndentedJSON(http.StatusOK, "calibration schedule disabled")
}

func postSkipSchedule(c *gin.Context) {
	if err := skipNextSchedule(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	next, _ := scheduler.Status()
	c.IndentedJSON(http.StatusOK, next)
}

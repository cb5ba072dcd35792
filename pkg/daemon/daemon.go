package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/config"
	"github.com/montanafw/trimcal/pkg/events"
	"github.com/montanafw/trimcal/pkg/hw"
)

var (
	device    *hw.Device
	conf      config.Config
	sseHub    *events.EventHub
	scheduler *Scheduler
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", getConfig)
	router.GET("/version", getVersion)
	router.GET("/events", getEvents)

	cal := router.Group("/calibration")
	cal.POST("/run", postRunCalibration)
	cal.POST("/rail/:name", postCalibrateBlock(false))
	cal.POST("/osc/:name", postCalibrateBlock(true))
	cal.GET("/status", getStatus)
	cal.GET("/results", getResults)

	router.POST("/crystal/:name", postCheckCrystal)

	router.PUT("/schedule", putSchedule)
	router.DELETE("/schedule", deleteSchedule)
	router.POST("/schedule/skip", postSkipSchedule)

	return router
}

// statePaths returns the run state and results files kept next to the
// config file.
func statePaths(configPath string) (string, string) {
	base := strings.TrimSuffix(configPath, filepath.Ext(configPath))
	return base + ".state.json", base + ".results.json"
}

func newScheduler() *Scheduler {
	return NewScheduler(
		scheduledCalibration,
		calibrationPreCheck,
		func(data any) {
			if at, ok := data.(time.Time); ok {
				publishAction(calibration.ActionSchedule, "Calibration starts at %s", at.Format("Jan _2 15:04"))
			}
		},
		func(data any) {
			if err, ok := data.(error); ok {
				logrus.WithError(err).Error("scheduled calibration failed")
			}
		},
	)
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()

	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	initCalibrationState(statePaths(configPath))
	sseHub = events.NewEventHub()

	device, err = OpenDevice(conf)
	if err != nil {
		logrus.Fatal(err)
	}

	scheduler = newScheduler()
	if expr := conf.Cron(); expr != "" {
		if err := scheduler.Schedule(expr); err != nil {
			logrus.WithError(err).Errorf("ignoring invalid schedule %q", expr)
		} else {
			scheduler.Start()
			next, _ := scheduler.Status()
			logrus.WithField("next", next.Format(time.DateTime)).Info("calibration scheduled")
		}
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A stale socket from an unclean exit would make Listen fail.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		logrus.Fatal(err)
	}

	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	scheduler.Stop()

	// SSE streams only end when their subscription closes.
	sseHub.Close()

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	release, err := device.Claim()
	if err != nil {
		logrus.Warn("calibration still running, closing the device anyway")
	} else {
		defer release()
	}

	logrus.Info("closing device connection")
	if err := device.Close(); err != nil {
		logrus.Errorf("failed to close device connection: %v", err)
	}

	logrus.Info("exiting")
	return nil
}

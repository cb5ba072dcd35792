package daemon

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ginLogger logs every request through logger. Successful requests are
// logged at debug level.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// handlers may rewrite the path
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		size := max(c.Writer.Size(), 0)
		status := c.Writer.Status()

		entry := logger.WithFields(logrus.Fields{
			"status":  status,
			"latency": latency.Round(time.Microsecond).String(),
			"method":  c.Request.Method,
			"path":    path,
			"size":    size,
		})
		if step := c.Param("name"); step != "" {
			entry = entry.WithField("block", step)
		}

		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			entry.Error(errs.String())
			return
		}

		msg := fmt.Sprintf("%s %s %d (%s)", c.Request.Method, path, status, formatDuration(latency))
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}

// formatDuration renders d rounded to seconds, e.g. "1m12s". Durations
// under a second keep millisecond precision.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

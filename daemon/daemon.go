// Package daemon carries the configuration and process plumbing shared
// by the pipeline stage daemons.
package daemon

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripwise/faretrack/logger"
)

// Config holds the flags every stage daemon accepts.
type Config struct {
	AWSProfile     string `help:"Name of AWS profile to use. Alternatively, use environment variable AWS_PROFILE."`
	AWSRegion      string `help:"AWS Region. Alternatively, use environment variable AWS_REGION."`
	DryRun         bool   `help:"Dump the configuration and exit without running."`
	ErrorQueueName string `help:"Name of the SQS queue receiving stage error messages. Empty disables the error sink."`
	LogPath        string `help:"Log file to write to. Empty means stderr."`
	Stats          string `help:"Bind address to serve Prometheus metrics on /metrics. Empty disables the endpoint."`
	Verbose        bool   `help:"Enable debug logging."`

	log       logger.Logger
	logOutput io.Writer
}

// Log returns the stage logger, or nil before SetupLogger has run.
func (c *Config) Log() logger.Logger {
	return c.log
}

// SetLog replaces the stage logger.
func (c *Config) SetLog(log logger.Logger) {
	c.log = log
}

// SetupLogger builds the stage logger from LogPath and Verbose. With a
// log path configured, stderr is duplicated onto the file so runtime
// panics land in the log, and SIGHUP reopens the file for rotation.
func (c *Config) SetupLogger() error {
	var f *logger.FileWriter
	var err error
	if c.LogPath == "" {
		c.logOutput = os.Stderr
	} else {
		f, err = logger.NewFileWriter(c.LogPath)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		c.logOutput = f
	}
	if c.Verbose {
		c.log = logger.NewVerboseLogger(c.logOutput)
	} else {
		c.log = logger.NewStandardLogger(c.logOutput)
	}
	if c.LogPath != "" {
		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			for {
				// duplicate stderr onto log file
				err := dup(int(f.Fd()), int(os.Stderr.Fd()))
				if err != nil {
					c.log.Errorf("syscall dup: %s", err.Error())
				}

				// reopen log file on SIGHUP
				<-sighup
				err = f.Reopen()
				if err != nil {
					c.log.Infof("reopen: %s", err.Error())
				}
			}
		}()
	}
	return nil
}

// ServeStats exposes Prometheus metrics on /metrics when a stats bind
// address is configured. Serve failures are logged, not fatal.
func (c *Config) ServeStats() {
	if c.Stats == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(c.Stats, mux); err != nil {
			c.log.Errorf("serving stats on %s: %v", c.Stats, err)
		}
	}()
}

// SignalContext returns a context that ends on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

package main

import (
	"log"
	"os"

	"github.com/jaffee/commandeer/pflag"

	"github.com/tripwise/faretrack/errsink"
	"github.com/tripwise/faretrack/logger"
	"github.com/tripwise/faretrack/merge"
)

func logFailure(errorType errsink.ErrorType, m *merge.Main, v interface{}) {
	log := m.Log()

	if log == nil {
		log = logger.NewStandardLogger(os.Stderr)
	}

	if errorType == errsink.RecoverableErrorType {
		log.Errorf("Error running command: %+v", v)
	} else {
		log.Panicf("Panic running command: %+v", v)
	}
}

func main() {
	m := merge.NewMain()
	if err := pflag.LoadEnv(m, "CONSUMER_", nil); err != nil {
		log.Fatal(err)
	}

	// Capture any panic and log it before dying. The stream reader
	// panics on unrecoverable shard errors.
	defer func() {
		if r := recover(); r != nil {
			logFailure(errsink.PanicErrorType, m, r)
			os.Exit(1)
		}
	}()

	if m.DryRun {
		log.Printf("%+v\n", m)
		return
	}

	if err := m.Run(); err != nil {
		logFailure(errsink.RecoverableErrorType, m, err)
		os.Exit(1)
	}
}

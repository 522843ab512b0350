package main

import (
	"log"
	"os"

	"github.com/jaffee/commandeer/pflag"

	"github.com/tripwise/faretrack/aggregate"
	"github.com/tripwise/faretrack/errsink"
	"github.com/tripwise/faretrack/logger"
)

func logFailure(errorType errsink.ErrorType, m *aggregate.Main, v interface{}) {
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
	m := aggregate.NewMain()
	if err := pflag.LoadEnv(m, "AGGREGATOR_", nil); err != nil {
		log.Fatal(err)
	}

	// Capture any panic and log it before dying.
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

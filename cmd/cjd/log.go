// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/server/admin"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. All subsystem loggers are created from the
// LoggerMaker built by parseAndSetDebugLevels, and are disabled until then.
//
// Loggers should not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by calling
// initLogRotator.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = cj.Disabled

	// subsystemLoggers maps each subsystem identifier to its associated logger.
	subsystemLoggers = map[string]cj.Logger{
		"MAIN": cj.Disabled,
		"NODE": cj.Disabled,
		"MIXR": cj.Disabled,
		"POOL": cj.Disabled,
		"QUEU": cj.Disabled,
		"COMM": cj.Disabled,
		"ADMN": cj.Disabled,
		"DB":   cj.Disabled,
		"BKND": cj.Disabled,
	}
)

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	return nil
}

// subsystemLogger is the logger for the subsystem, disabled for an unknown
// subsystem.
func subsystemLogger(subsysID string) cj.Logger {
	if l, found := subsystemLoggers[subsysID]; found {
		return l
	}
	return cj.Disabled
}

// setLoggers creates every subsystem logger and sets the package-level
// loggers.
func setLoggers(lm *cj.LoggerMaker) {
	for subsysID := range subsystemLoggers {
		subsystemLoggers[subsysID] = lm.NewLogger(subsysID)
	}
	log = subsystemLoggers["MAIN"]
	admin.UseLogger(subsystemLoggers["ADMN"])
}

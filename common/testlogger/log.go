// Package testlogger builds loggers for tests.
package testlogger

import (
	"os"
	"strings"
	"testing"

	"github.com/cobrabft/cobra/common/log"
)

// Level returns debug when COBRA_TEST_LOGS=DEBUG, info otherwise.
func Level(t testing.TB) int {
	if v, ok := os.LookupEnv("COBRA_TEST_LOGS"); ok && strings.EqualFold(v, "debug") {
		t.Log("Enabling DebugLevel logs")
		return log.DebugLevel
	}
	return log.InfoLevel
}

// New returns a logger tagged with the test name.
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).With("testName", t.Name())
}

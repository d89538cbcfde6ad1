// Package logflags holds the per-layer loggers selected with --log-output.
package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var attach = false
var unwind = false
var symbolize = false
var inspect = false

var logOut io.Writer = os.Stderr

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Out = logOut
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Attach returns true if the ptrace layer should log.
func Attach() bool {
	return attach
}

// AttachLogger returns a logger for ptrace attach/lock/detach.
func AttachLogger() *logrus.Entry {
	return makeLogger(attach, logrus.Fields{"layer": "attach"})
}

// Unwind returns true if stack walking should log every step.
func Unwind() bool {
	return unwind
}

func UnwindLogger() *logrus.Entry {
	return makeLogger(unwind, logrus.Fields{"layer": "unwind"})
}

// Symbolize returns true if debug info loading should log.
func Symbolize() bool {
	return symbolize
}

func SymbolizeLogger() *logrus.Entry {
	return makeLogger(symbolize, logrus.Fields{"layer": "symbolize"})
}

// Inspect returns true if inspection passes should log.
func Inspect() bool {
	return inspect
}

func InspectLogger() *logrus.Entry {
	return makeLogger(inspect, logrus.Fields{"layer": "inspect"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "inspect"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "attach":
			attach = true
		case "unwind":
			unwind = true
		case "symbolize":
			symbolize = true
		case "inspect":
			inspect = true
		default:
			return errors.New("unknown log layer " + logcmd)
		}
	}
	return nil
}

// SetOutput redirects every logger created after the call.
func SetOutput(w io.Writer) {
	logOut = w
}

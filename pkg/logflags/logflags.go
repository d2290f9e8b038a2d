// Package logflags routes per-layer diagnostic logging for dynject.
package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	tracer    = false
	injector  = false
	loader    = false
	handshake = false
)

var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	lf := logrus.New()
	lf.Formatter = formatter()
	if logOut != nil {
		lf.Out = logOut
	} else {
		lf.Out = os.Stderr
	}
	lf.Level = logrus.DebugLevel
	if !flag {
		lf.Level = logrus.PanicLevel
	}
	return lf.WithFields(fields)
}

// formatter picks a text formatter, forcing colors when stderr is a
// terminal so layer fields stand out in interactive runs.
func formatter() logrus.Formatter {
	tf := &logrus.TextFormatter{}
	if logOut != nil {
		tf.ForceColors = true
	}
	return tf
}

// Tracer returns true if the ptrace request layer should log.
func Tracer() bool {
	return tracer
}

// TracerLogger returns a logger for the ptrace request layer.
func TracerLogger() *logrus.Entry {
	return makeLogger(tracer, logrus.Fields{"layer": "tracer"})
}

// Injector returns true if the injection orchestration layer should log.
func Injector() bool {
	return injector
}

// InjectorLogger returns a logger for the injection orchestration layer.
func InjectorLogger() *logrus.Entry {
	return makeLogger(injector, logrus.Fields{"layer": "inject"})
}

// Loader returns true if the remote ELF loader should log.
func Loader() bool {
	return loader
}

// LoaderLogger returns a logger for the remote ELF loader.
func LoaderLogger() *logrus.Entry {
	return makeLogger(loader, logrus.Fields{"layer": "loader"})
}

// Handshake returns true if the launcher handshake protocol should log.
func Handshake() bool {
	return handshake
}

// HandshakeLogger returns a logger for the launcher handshake protocol.
func HandshakeLogger() *logrus.Entry {
	return makeLogger(handshake, logrus.Fields{"layer": "handshake"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets layer flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logOut = colorable.NewColorableStderr()
	}
	if logstr == "" {
		logstr = "inject"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "tracer":
			tracer = true
		case "inject":
			injector = true
		case "loader":
			loader = true
		case "handshake":
			handshake = true
		}
	}
	return nil
}

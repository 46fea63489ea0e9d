package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var tracer = false
var images = false
var ptrace = false
var disasm = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Tracer returns true if the tracer core should log its instrumentation
// decisions.
func Tracer() bool {
	return tracer
}

// TracerLogger returns a logger for the tracer core.
func TracerLogger() Logger {
	return makeFlaggableLogger(tracer, Fields{"layer": "tracer"})
}

// Images returns true if image loading and scanning should be logged.
func Images() bool {
	return images
}

// ImagesLogger returns a logger for image loading and scanning.
func ImagesLogger() Logger {
	return makeFlaggableLogger(images, Fields{"layer": "images"})
}

// Ptrace returns true if the native backend should log every ptrace stop.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the native backend.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "ptrace"})
}

// Disasm returns true if newly discovered instructions should be
// disassembled into the log.
func Disasm() bool {
	return disasm
}

// DisasmLogger returns a logger for discovered instructions.
func DisasmLogger() Logger {
	return makeFlaggableLogger(disasm, Fields{"layer": "disasm"})
}

// DiagnosticsLogger returns the logger used to report degenerate tracer
// states (no entry image, no exclusion section, entry never reached).
// It is always enabled at warning level so that an empty trace can be
// explained without --log.
func DiagnosticsLogger() Logger {
	if tracer {
		return makeLogger(logrus.DebugLevel, Fields{"layer": "regtrace"})
	}
	return makeLogger(logrus.WarnLevel, Fields{"layer": "regtrace"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "regtrace-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %w", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "tracer"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "tracer":
			tracer = true
		case "images":
			images = true
		case "ptrace":
			ptrace = true
		case "disasm":
			disasm = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'regtrace help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// SetDefaultOutput sends logs to w unless --log-dest was given. Close
// does not close w.
func SetDefaultOutput(w io.Writer) {
	if logOut == nil {
		logOut = nopCloser{w}
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(entry.Time.Format("2006-01-02T15:04:05-07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for i, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		if f.needsQuoting(stringVal) {
			fmt.Fprintf(b, "%q", stringVal)
		} else {
			b.WriteString(stringVal)
		}
		if i != len(keys)-1 {
			b.WriteByte(',')
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}

var textFormatterInstance = &textFormatter{}

package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages are skipped when resolving the caller of an entry. The
// metrics helpers log on behalf of their caller, so they are skipped too.
var wrapperPackages = []string{
	"github.com/sirupsen/logrus.",
	"quoteflow/logger.",
	"quoteflow/internal/metrics.",
}

func isWrapperFrame(function string) bool {
	for _, prefix := range wrapperPackages {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}

// callerHook points entry.Caller at the first frame outside the wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := firstCaller(4); ok {
		entry.Caller = &frame
	}
	return nil
}

func firstCaller(skip int) (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isWrapperFrame(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

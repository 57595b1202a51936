package kdbview

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention for kdbview:
// Error:
//     a fetch failed and the failure was handed to the application
// Warning:
//     query options were corrected or rejected
// V(1):
//     session lifecycle, one line per page delivered or state change
// V(2):
//     every request sent to the document store

const (
	LogLevelSession glog.Level = 1
	LogLevelRequest glog.Level = 2
)

type LogFunction func(format string, a ...any)

// LogFn returns a leveled logger that prefixes every line with tag.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			glog.InfoDepth(1, tag+": "+fmt.Sprintf(format, a...))
		}
	}
}

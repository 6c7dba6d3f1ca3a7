package coedit

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention for the coedit package:
// Warning:
//     malformed inbound data and abnormal session exits. Silent on normal
//     operation.
// V(1):
//     session lifecycle events (state transitions, sync exchanges) with ids
//     that can be used to filter
// V(2):
//     frequent events - e.g. broadcast, merge, awareness heartbeat

const logLevelSession = 1
const logLevelTrace = 2

type LogFunction func(format string, a ...any)

func logFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func subLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}

package svn

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `svn` package:
// Info:
//     abnormal events a server operator acts on. Quiet while connections behave,
//     apart from rare one-time setup lines
//     this includes:
//     - reconnects after a stale transport
//     - authentication retries and failures
//     - idle connection disposal
// Error:
//     details of failures the package cannot recover from
//     this includes:
//     - panics from caller-owned callbacks, e.g. a pooled resource close
// Debug:
//     key events for trace debugging
//     this includes:
//     - V(1) connection lifecycle: open, handshake capabilities, close
//     - V(2) per command start/end traces
//     - V(3) the wire shadow log, every byte read and written

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}

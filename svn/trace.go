package svn

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// guarded runs a callback owned by the caller of the package, e.g. a resource close on
// the pool disposal goroutine. A panic is logged with its stack and returned as an error.
func guarded(tag string, do func() error) (returnErr error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[%s]unexpected panic: %s\n", tag, panicJson(r, debug.Stack()))
			if err, ok := r.(error); ok {
				returnErr = fmt.Errorf("%s: panic: %w", tag, err)
			} else {
				returnErr = fmt.Errorf("%s: panic: %v", tag, r)
			}
		}
	}()
	return do()
}

func panicJson(r any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	panicJson, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%T=%v", r, r),
		"stack": stackLines,
	})
	return string(panicJson)
}

// traced runs a command body. With V(2) on, the start and end of the body are logged
// with the elapsed time and the error, if any.
func traced(tag string, do func() error) error {
	if !glog.V(2) {
		return do()
	}
	start := time.Now()
	glog.Infof("[start]%s\n", tag)
	err := do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		glog.Infof("[end]%s (%.2fms) err = %s\n", tag, millis, err)
	} else {
		glog.Infof("[end]%s (%.2fms)\n", tag, millis)
	}
	return err
}

package debug

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
)

//
// Debug output is controled by COMPATDEBUG environment variable, which
// can be a list of labels (e.g., "AREA;IMAGE").
//

const COMPATDEBUG = "COMPATDEBUG"

var labels atomic.Pointer[map[Tselector]bool]

func init() {
	// XXX may want to set log.Ldate when not debugging
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	SetDebug(os.Getenv(COMPATDEBUG))
}

func parseLabels(s string) map[Tselector]bool {
	m := make(map[Tselector]bool)
	if s == "" {
		return m
	}
	for _, l := range strings.Split(s, ";") {
		l = strings.TrimSpace(l)
		if l != "" {
			m[Tselector(l)] = true
		}
	}
	return m
}

// Replace the label set, e.g., with the labels from a config file.
func SetDebug(s string) {
	m := parseLabels(s)
	labels.Store(&m)
}

func IsLabelSet(label Tselector) bool {
	m := labels.Load()
	if m == nil {
		return false
	}
	return (*m)[label]
}

func DPrintf(label Tselector, format string, v ...interface{}) {
	if label == ALWAYS || IsLabelSet(label) {
		log.Printf("%v %v %v", os.Getpid(), label, fmt.Sprintf(format, v...))
	}
}

func DFatalf(format string, v ...interface{}) {
	// Get info for the caller.
	pc, file, line, ok := runtime.Caller(1)
	fnDetails := runtime.FuncForPC(pc)
	if ok && fnDetails != nil {
		log.Fatalf("FATAL %v %v %v:%v %v", os.Getpid(), fnDetails.Name(), file, line, fmt.Sprintf(format, v...))
	} else {
		log.Fatalf("FATAL %v (missing details) %v", os.Getpid(), fmt.Sprintf(format, v...))
	}
}

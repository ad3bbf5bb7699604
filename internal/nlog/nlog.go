// Package nlog is the driver's only logging surface: leveled line
// logging plus a verbosity gate so hot paths (send/receive loops) can
// skip formatting work entirely when not at that verbosity.
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

const (
	SmoduleLogBuffer = "logbuffer"
	SmoduleIPC       = "ipc"
	SmoduleNetwork   = "network"
	SmoduleImage     = "image"
	SmoduleConductor = "conductor"
)

var (
	std     = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	verbose int32
)

// SetVerbosity sets the global verbosity level consulted by FastV.
func SetVerbosity(v int) { atomic.StoreInt32(&verbose, int32(v)) }

// FastV reports whether logging at the given level for the given module
// is currently enabled. Modules are accepted for call-site symmetry with
// the teacher's nlog/glog idiom; the driver does not yet discriminate by
// module, only by level.
func FastV(level int, _ string) bool {
	return atomic.LoadInt32(&verbose) >= int32(level)
}

func Infoln(v ...interface{})  { std.Output(2, "I "+fmt.Sprintln(v...)) }
func Infof(f string, v ...interface{})  { std.Output(2, "I "+fmt.Sprintf(f, v...)) }
func Warnln(v ...interface{})  { std.Output(2, "W "+fmt.Sprintln(v...)) }
func Warnf(f string, v ...interface{})  { std.Output(2, "W "+fmt.Sprintf(f, v...)) }
func Errorln(v ...interface{}) { std.Output(2, "E "+fmt.Sprintln(v...)) }
func Errorf(f string, v ...interface{}) { std.Output(2, "E "+fmt.Sprintf(f, v...)) }

// Package debug provides runtime-gated invariant assertions, mirroring
// the teacher's cmn/debug.Assert/AssertNoErr: a hard panic once Enable
// has been called, a silent no-op otherwise. There is no build tag.
package debug

var enabled = false

// Enable turns assertions on for the rest of the process, so invariant
// violations panic instead of passing silently.
func Enable() { enabled = true }

func Assert(cond bool, args ...interface{}) {
	if enabled && !cond {
		panic(assertMsg(args))
	}
}

func AssertNoErr(err error) {
	if enabled && err != nil {
		panic(err)
	}
}

func assertMsg(args []interface{}) interface{} {
	if len(args) == 0 {
		return "assertion failed"
	}
	if len(args) == 1 {
		return args[0]
	}
	return args
}

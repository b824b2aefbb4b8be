package bolt

import "fmt"

// _assert panics with a formatted message if the condition is false.
// Operations on a bucket deleted within the current transaction, and
// other invariant violations that indicate a programming error rather
// than an expected runtime outcome, use this instead of a returned error.
func _assert(condition bool, msg string, v ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}

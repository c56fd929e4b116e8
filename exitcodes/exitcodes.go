// Package exitcodes defines the exit codes of the bench.
package exitcodes

// Exit code constants used by the bench:
//
// * Success (0): the device passed
// * TestFailure (1): the device failed, or the run was interrupted or skipped steps
// * RuntimeErr (2): the bench itself could not run
const (
	Success     = 0 // Device passed
	TestFailure = 1 // Device failed
	RuntimeErr  = 2 // Runtime errors
)

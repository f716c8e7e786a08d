// Package lifecycle drives the task state machine from the delegate's side.
//
// The coordinator owns the acquire gate order, validation reporting, terminal
// response processing and the retry-on-other-delegate decision. Every
// acquisition precondition failure is "no task" rather than an error; the
// store's conditional QUEUED -> STARTED transition is the only arbiter of
// races between competing delegates.
//
// State flow:
//
//	QUEUED --acquire CAS--> STARTED --OK--> (deleted)
//	                          |--FAILED--> ERROR
//	                          |--RETRY--> QUEUED (tried recorded) or ERROR
//	QUEUED/STARTED --expiry/abort--> ERROR/ABORTED
package lifecycle

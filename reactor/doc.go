// Package reactor implements the single-threaded readiness loop that drives
// every socket of a core.
//
// Each Poll cycle:
//
//  1. drops handles closed since the last cycle and pushes changed WANT bits
//     to the platform poller,
//  2. waits for at most min(timeout, earliest DeadlineSource deadline),
//  3. raises CAN bits on the reported handles (only where WANT is set),
//  4. dispatches each ready handle to its Handler, skipping handles that an
//     earlier handler of the same cycle closed or unregistered,
//  5. clears CAN bits a handler left unconsumed and logs a warning.
//
// Handlers run on the polling goroutine and may register, unregister or
// close handles freely; no locking is involved.
package reactor

// Package jobs admits asynchronous executions into the durable queue.
//
// States:
//   - pending -> processing -> completed | failed
//   - pending -> cancelled | failed
//
// Every transition is a conditional update in the repository. Position and
// estimated start time are derived on each read and never trusted from storage.
// Workers hold a lease while processing; a lapsed lease is reaped to failed
// with error "lease_expired".
package jobs

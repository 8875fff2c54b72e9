// Package container materializes one account's trust graph on the local
// device. A Container is addressed by (account, context), owns the local
// peer's keys and trust model, and keeps both in step with the remote
// change feed.
//
// All operations on a container run one at a time, in submission order, on
// the container's task queue. Operations on different containers run in
// parallel. A Reset supersedes every operation that was queued or running
// when it was requested; those complete with ErrOperationSuperseded and
// their results are discarded.
package container

// Package broker pauses chooser nodes until an observer sends back a selection.
//
// A node stashes its batch, notifies the observer and calls WaitForSelection
// with its logical id. The observer's reply arrives through AddMessage, which
// may carry the logical id or any alias bound with BindDisplayID. Replies that
// arrive before the node starts waiting are buffered and consumed by the next
// wait; each reply is delivered exactly once.
//
// Two payloads are control messages. MessageStart begins a new run generation
// and drops all per-run state except last selections. MessageCancel aborts every
// node currently waiting; their waits fail with types.ErrCodeCanceled. A wait
// whose context is done, or whose InterruptCheck fails, returns
// types.ErrCodeInterrupted instead.
package broker

/*
Package callbacks provides the asynchronous result type used
across the interop channel layer, and the serialization domain
its callbacks run in.

A Completion is a single-assignment future. Producers settle it
through a Trigger; consumers wait on it (Await, Wait, WhenDone)
or register Observers. AndChained, All, Then, Adapt and FromChan
combine or adapt completions.

An Isolate runs submitted tasks one at a time, in submission
order, on a single worker goroutine. Every observer of a
completion owned by an Isolate runs there too, so an owner's
callbacks never run concurrently with each other, even when
several network goroutines deliver events at once.

Observers are never invoked synchronously, not even when the
completion has already settled at the time Observe is called.

Errors that have no caller to return to are reported to a Sink,
tagged with a Resolution (Handled, Deferred, Ignored).
*/
package callbacks

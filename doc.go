/*
Package interop is a multiplexed, asynchronous session channel.

A Channel owns links to peer channels (TCP, or in-process with
MemTransport). Each link carries any number of Sessions. A
session is a typed conversation between two roles, described by
a SessionSpec: the initiator calls Connect with its spec, and
the responder must have called Accept with the Mirror of it.

	ch, _ := interop.NewChannel(cfg)
	peer, _ := ch.ConnectEndpoint(ctx, "127.0.0.1:7000")
	c := ch.Connect(peer, spec, nil, interop.SessionCallbacks{...})
	sess, err := c.Outcome() // after c.Await(...)

Session.Send is fire and forget. Session.Request registers the
payload's CompletionToken and returns a callbacks.Completion that
the matching Reply message settles. When a session or its link
goes away every pending request fails with ErrConnectionLost, so
nothing waits forever.

All SessionCallbacks for one session run on that session's
callbacks.Isolate, one at a time, in event order.

Wire format: each frame is magic(8) lenHeader(8) header lenBody(8)
body. The header is a msgpack map; magic[7] names the body
compression (none, s2, lz4, zstd). An optional blake3 checksum
covers the uncompressed body.
*/
package interop

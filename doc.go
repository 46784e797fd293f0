// Package pktwire exchanges typed, length-prefixed binary packets between
// two peers and matches responses to the requests waiting for them.
//
// ## How it works
//
// A packet is any pointer type able to encode itself to, and decode itself
// from, a [buffer.Buffer]. Packets are given a numeric id in a [Registry],
// which is shared by both ends of a connection. On the wire, every frame is:
//
//	varint(frame length) | int32 packet id (big-endian) | payload
//
// The [Codec] turns packets into frames and back. It never guesses: a frame
// carrying an id nobody registered is a protocol error, and the connection
// which received it is closed.
//
// Received packets go through two stages:
//
//   - The [Correlator], if the packet is [Correlated] and carries the session
//     id of a pending request. The request completes exactly once, unless it
//     expired first, in which case the response is dropped.
//   - The [Dispatcher], which calls every [Subscription] bound to the exact
//     type of the packet. Subscriptions are built with [On] from plain
//     functions taking the packet and, optionally, its [Peer] and a
//     [Responder].
//
// ## Transports
//
// An [Endpoint] serves connections over:
//
//   - An in-memory pipe, with [Endpoint.Pipe].
//   - Any [net.Conn], with [Endpoint.Attach].
//   - QUIC streams, with [ListenQUIC] and [DialQUIC]. mTLS is mandatory, the
//     peer is named after the Common Name of its certificate by default.
//
// ## Requests
//
// [Call] is the simplest way to send a request:
//
//	pong, err := pktwire.Call[*Pong](ctx, ep.Correlator(), conn, &Ping{}, 0)
//
// A zero session id is replaced by a fresh one, a zero timeout means the
// configured default of [DefaultRequestTimeout]. When the connection closes,
// its pending requests fail with [ErrPeerGone].
package pktwire

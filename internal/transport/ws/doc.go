// Package ws is the bridge's point-to-point transport, built on websockets.
//
// Three endpoints mirror a request/reply socket and a pub/sub socket pair:
//
//   - ReplyServer: one JSON request frame in, one reply frame out, strictly
//     alternating per connection.
//   - PubServer: outbound frames "<topic> <payload>" filtered per connection
//     by topic prefix. Delivery is ordered and at most once; a subscriber
//     that cannot keep up loses frames rather than stalling others.
//   - SubServer: inbound frames from apps in the same format.
//
// DialRequester, DialSubscriber and DialProducer are the matching clients.
package ws

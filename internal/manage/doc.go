// Package manage implements the control plane: subscribe and unsubscribe
// requests arriving on the request/reply endpoint.
//
// Requests from every connection funnel into one worker goroutine, so each
// is fully applied before the next is looked at. Malformed input always
// yields {"status":"error"} and never affects state.
package manage

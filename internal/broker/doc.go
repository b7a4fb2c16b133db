// Package broker matches an outbound event notification to exactly one
// asynchronous reply, chosen among zero or more candidate responders with
// first-response-wins semantics and a per-call timeout fallback.
//
// A responder may be a persistent connection or a one-shot outbound call;
// the broker only requires that it can receive a notification payload and
// eventually resolve the correlation key.
package broker

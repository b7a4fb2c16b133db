// Package bridge exposes the adapter's business-facing surface: a WebSocket
// endpoint where listeners receive event broadcasts and answer them, an HTTP
// API for actively sending messages, and health/metrics endpoints.
//
// Each connected listener — and the optional outbound webhook — acts as a
// broker responder; the first one to answer an event's correlation key wins.
package bridge

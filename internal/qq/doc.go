// Package qq implements the QQ open-platform client side of the adapter:
// the REST API client used for authentication lookups and outbound replies,
// and the WebSocket gateway session state machine that receives events.
//
// The gateway protocol per connection attempt:
//
//	Hello(op=10) -> Identify(op=2) -> Ready(op=0 READY) -> heartbeat + dispatch
//	Hello(op=10) -> Resume(op=6)   -> dispatch resumes directly
//
// A server-requested Reconnect(op=7) preserves session state so the next
// attempt resumes; InvalidSession(op=9) clears it so the next attempt sends
// a fresh Identify.
package qq

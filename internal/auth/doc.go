// Package auth handles both sides of qq-adapter authentication: obtaining
// and caching the QQ open-platform access token used for outbound vendor
// calls, and verifying the JWT bearer tokens that protect the bridge's own
// HTTP and WebSocket endpoints.
package auth

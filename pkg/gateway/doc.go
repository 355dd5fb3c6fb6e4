// Package gateway exposes the chat engine over HTTP and WebSocket.
//
// Routes:
//
//	POST   /v1/chat                  blocking turn, JSON response
//	GET    /v1/chat/stream           WebSocket, one event per frame
//	DELETE /v1/sessions/{id}         clear a session
//	POST   /v1/sessions/{id}/abort   cancel a session's turns
//	GET    /healthz
//	GET    /metrics
//
// Every /v1 route requires the shared secret, either as a bearer token or in
// the X-Agentd-Secret header, and is rate limited per client address.
package gateway

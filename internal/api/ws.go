package api

import "net/http"

// AgentStreamHandler serves the agent WebSocket upgrade endpoint. It is
// satisfied by *agentsession.Manager — defined here as a narrow interface
// so this package does not need to import agentsession directly.
type AgentStreamHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// ClientStreamHandler serves the operator WebSocket upgrade endpoint. It is
// satisfied by *webclient.Manager.
type ClientStreamHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

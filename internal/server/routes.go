package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health check at the root and the WebSocket endpoint at /ws.
func SetupRoutes(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", WebSocketHandler(h))
	return mux
}

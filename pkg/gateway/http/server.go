// Package http exposes a diagnostic gateway over one OBD-II client :
// engine status, synchronous PID reads, filter management and a
// websocket feed of broadcast traffic.
package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dixtone/obd2"
)

const ApiVersion = "1.0"

// How often the websocket feed samples the broadcast sink
const broadcastPollInterval = 100 * time.Millisecond

type GatewayServer struct {
	client   *obd2.Client
	router   *mux.Router
	upgrader websocket.Upgrader
	// The engine handles a single outstanding request, concurrent
	// API reads are serialized here
	mu sync.Mutex
}

// NewGatewayServer creates a gateway over an already connected client
func NewGatewayServer(client *obd2.Client) *GatewayServer {
	g := &GatewayServer{
		client: client,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.router.HandleFunc("/api/status", g.handleStatus).Methods(http.MethodGet)
	g.router.HandleFunc("/api/version", g.handleVersion).Methods(http.MethodGet)
	g.router.HandleFunc("/api/request", g.handleRequest).Methods(http.MethodPost)
	g.router.HandleFunc("/api/filters", g.handleAddFilter).Methods(http.MethodPost)
	g.router.HandleFunc("/api/broadcast", g.handleBroadcast).Methods(http.MethodGet)
	g.router.HandleFunc("/api/broadcast/ws", g.handleBroadcastWs).Methods(http.MethodGet)
	log.Info("[GATEWAY] initialized endpoints")
	return g
}

func (g *GatewayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// ListenAndServe serves the gateway, blocking
func (g *GatewayServer) ListenAndServe(addr string) error {
	log.Infof("[GATEWAY] listening on %v", addr)
	return http.ListenAndServe(addr, g.router)
}

package http

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dixtone/obd2"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warnf("[GATEWAY] writing response failed : %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorSchema{Error: err.Error()})
}

func (g *GatewayServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusSchema{Status: g.client.Status().String()})
}

func (g *GatewayServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionSchema{Version: ApiVersion})
}

// handleRequest performs one synchronous diagnostic exchange
func (g *GatewayServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	var schema RequestSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if schema.Header == 0 || schema.Service == 0 {
		writeError(w, http.StatusBadRequest, obd2.ErrIllegalArgument)
		return
	}
	request := obd2.NewRequest(schema.Header, schema.Service, schema.Pid, schema.ExpectedBytes)
	request.Group = schema.Group
	request.Name = schema.Name
	if schema.Scale != 0 {
		request.Scale = schema.Scale
	}
	request.Offset = schema.Offset

	g.mu.Lock()
	value, data, err := g.client.Read(request)
	g.mu.Unlock()
	if err != nil {
		switch {
		case errors.Is(err, obd2.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, err)
		case errors.Is(err, obd2.ErrNoData):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, ValueSchema{
		Name:    request.Name,
		Value:   value,
		Service: request.Service,
		Pid:     request.Pid,
		Data:    hex.EncodeToString(data),
	})
}

func (g *GatewayServer) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var schema FilterSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch schema.Type {
	case "packet":
		g.client.AddPacketFilter(schema.Id)
	case "broadcast":
		g.client.AddBroadcastFilter(schema.Id)
	default:
		writeError(w, http.StatusBadRequest, obd2.ErrIllegalArgument)
		return
	}
	writeJSON(w, http.StatusOK, FilterSchema{Id: schema.Id, Type: schema.Type})
}

func (g *GatewayServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	packet := g.client.LastBroadcast()
	writeJSON(w, http.StatusOK, BroadcastSchema{
		Header: packet.Header,
		Data:   hex.EncodeToString(packet.Data[:]),
	})
}

// handleBroadcastWs pushes broadcast snapshots over a websocket
// whenever the sink content changes
func (g *GatewayServer) handleBroadcastWs(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[GATEWAY] websocket upgrade failed : %v", err)
		return
	}
	defer conn.Close()
	ticker := time.NewTicker(broadcastPollInterval)
	defer ticker.Stop()
	var last obd2.BroadcastPacket
	for range ticker.C {
		packet := g.client.LastBroadcast()
		if packet == last {
			continue
		}
		last = packet
		err := conn.WriteJSON(BroadcastSchema{
			Header: packet.Header,
			Data:   hex.EncodeToString(packet.Data[:]),
		})
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("[GATEWAY] websocket closed : %v", err)
			}
			return
		}
	}
}

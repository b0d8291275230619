package obd2

import (
	log "github.com/sirupsen/logrus"
)

// Software filter tables are fixed capacity, additions beyond it are
// silently ignored
const maxFilters = 10

// AddPacketFilter adds an arbitration ID to the response allowlist.
// With no packet filters installed every ID is accepted into the
// engine, with one or more only listed IDs pass.
func (c *Client) AddPacketFilter(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.packetFilters) >= maxFilters {
		return
	}
	c.packetFilters = append(c.packetFilters, id)
	log.Debugf("[CLIENT] added packet filter x%x", id)
}

// AddBroadcastFilter adds an arbitration ID to the broadcast allowlist.
// Matching frames are routed to the broadcast sink and never reach the
// request engine.
func (c *Client) AddBroadcastFilter(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.broadcastFilters) >= maxFilters {
		return
	}
	c.broadcastFilters = append(c.broadcastFilters, id)
	log.Debugf("[CLIENT] added broadcast filter x%x", id)
}

func containsId(filters []uint32, id uint32) bool {
	for _, filter := range filters {
		if filter == id {
			return true
		}
	}
	return false
}

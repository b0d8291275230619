package obd2

// BroadcastPacket is a snapshot of the last frame accepted by a
// broadcast filter, used for passive monitoring of bus traffic.
type BroadcastPacket struct {
	Header uint32
	Data   [8]byte
}

// LastBroadcast returns the most recent broadcast snapshot
func (c *Client) LastBroadcast() BroadcastPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcast
}

package obd2

// valueLocked assembles the response data bytes into a big endian
// unsigned integer over ExpectedBytes bytes and applies the request's
// affine transform. The offset applies to a zero raw value as well.
func (c *Client) valueLocked(request *Request) float32 {
	if request == nil {
		return 0
	}
	n := int(request.ExpectedBytes)
	if n > len(c.responseBytes) {
		n = len(c.responseBytes)
	}
	var raw uint64
	for i := 0; i < n; i++ {
		raw = raw<<8 | uint64(c.responseBytes[i])
	}
	return float32(raw)*request.Scale + request.Offset
}

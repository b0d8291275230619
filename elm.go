package obd2

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ELM327 dialect driver. The same diagnostic exchange the CAN dialect
// performs with ISO-TP frames is rendered here as ASCII hex over a byte
// stream, while the engine presents the same statuses to the host.

// Adapter error sentinels, matched against the filtered response text
// (the intake discards spaces, so "UNABLE TO CONNECT" arrives collapsed)
const (
	elmUnableToConnect = "UNABLETOCONNECT"
	elmNoData          = "NODATA"
	elmStopped         = "STOPPED"
	elmError           = "ERROR"
)

// End of response marker printed by the adapter when it is ready for
// the next command
const elmPrompt = '>'

// BeginElm327 switches the engine to the ELM327 dialect on the given
// stream and runs the adapter initialization sequence, AT D followed
// by AT Z. The timeout bounds each command exchange.
func (c *Client) BeginElm327(stream Stream, timeout time.Duration) error {
	if stream == nil {
		return ErrIllegalArgument
	}
	c.mu.Lock()
	c.isElm = true
	c.stream = stream
	if timeout > 0 {
		c.elmTimeout = timeout
		c.requestTimeout = timeout
	}
	c.status = StatusReady
	c.mu.Unlock()
	return c.initializeElm()
}

// IsElm327 reports whether the engine speaks the ELM dialect
func (c *Client) IsElm327() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isElm
}

func (c *Client) initializeElm() error {
	ok := c.SendElmCommandBlocking("AT D")
	time.Sleep(100 * time.Millisecond)
	if !c.SendElmCommandBlocking("AT Z") {
		ok = false
	}
	time.Sleep(100 * time.Millisecond)
	if !ok {
		return ErrAdapter
	}
	log.Info("[ELM] adapter initialized")
	return nil
}

// SendElmHeader sets the transmit header for subsequent queries.
// 29 bit headers of the form 0x18xxyyzz keep their final six hex digits.
func (c *Client) SendElmHeader(header uint32) bool {
	digits := fmt.Sprintf("%X", header)
	if len(digits) > 6 {
		digits = digits[len(digits)-6:]
	}
	return c.SendElmCommandBlocking("AT SH " + digits)
}

// SendElmCommand transmits a raw command and leaves the engine in
// handling, the response is consumed by subsequent Process calls
func (c *Client) SendElmCommand(cmd string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendElmCommandLocked(cmd)
}

// SendElmCommandBlocking transmits a raw command and spins on the
// stream until the adapter prompt or the timeout. It reports whether
// the command completed cleanly.
func (c *Client) SendElmCommandBlocking(cmd string) bool {
	c.mu.Lock()
	if !c.sendElmCommandLocked(cmd) {
		c.mu.Unlock()
		return false
	}
	deadline := time.Now().Add(c.elmTimeout)
	for c.status == StatusHandling {
		c.pollElmLocked()
		if c.status != StatusHandling {
			break
		}
		if time.Now().After(deadline) {
			log.Warnf("[ELM] command %v timed out", cmd)
			c.status = StatusTimeout
			break
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
		c.mu.Lock()
	}
	ok := c.status == StatusReceived
	log.Debugf("[ELM] command %v completed with status %v", cmd, c.status)
	// Raw commands are not part of a request lifecycle, the engine
	// returns to ready without a listener dispatch
	c.status = StatusReady
	c.flushLocked()
	c.mu.Unlock()
	return ok
}

func (c *Client) sendElmCommandLocked(cmd string) bool {
	if c.status != StatusReady || c.stream == nil {
		return false
	}
	// Drain anything the adapter printed since the last exchange
	for c.stream.Available() > 0 {
		if _, err := c.stream.ReadByte(); err != nil {
			break
		}
	}
	c.flushLocked()
	log.Debugf("[ELM][TX] %v", cmd)
	if _, err := c.stream.WriteString(cmd + "\r"); err != nil {
		log.Warnf("[ELM] write failed : %v", err)
		return false
	}
	c.sendTime = c.now()
	c.status = StatusHandling
	return true
}

func (c *Client) sendElmRequestLocked(request *Request) bool {
	var query string
	if request.Pid > 0xFF {
		query = fmt.Sprintf("%02X%04X%X", request.Service, request.Pid, request.ExpectedBytes)
	} else {
		query = fmt.Sprintf("%02X%02X%X", request.Service, request.Pid, request.ExpectedBytes)
	}
	if !c.sendElmCommandLocked(query) {
		return false
	}
	c.current = request
	c.requestID = request.Header
	c.requestService = request.Service
	c.requestPid = request.Pid
	return true
}

// pollElmLocked drains the stream. Alphanumeric characters, ':' and '.'
// are accumulated until the adapter prompt, everything else (spaces and
// line breaks included) is discarded.
func (c *Client) pollElmLocked() {
	for c.stream.Available() > 0 {
		b, err := c.stream.ReadByte()
		if err != nil {
			log.Warnf("[ELM] read failed : %v", err)
			return
		}
		if b == elmPrompt {
			c.decodeElmLocked()
			return
		}
		if isElmChar(b) {
			c.elmBuffer = append(c.elmBuffer, b)
		}
	}
}

func isElmChar(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b == ':' || b == '.':
		return true
	}
	return false
}

// decodeElmLocked runs once the complete response block has been read
func (c *Client) decodeElmLocked() {
	raw := string(c.elmBuffer)
	c.elmBuffer = c.elmBuffer[:0]
	log.Debugf("[ELM][RX] %v", raw)
	c.status = StatusReceived
	if c.current != nil && c.current.Header > 0 && c.current.Pid > 0 {
		c.decodeElmResponseLocked(raw)
	}
	// Adapter sentinels override whatever the decode produced
	switch {
	case strings.Contains(raw, elmUnableToConnect):
		log.Warn("[ELM] adapter unable to connect")
		c.status = StatusError
	case strings.Contains(raw, elmStopped), strings.Contains(raw, elmError):
		log.Warn("[ELM] adapter reported an error")
		c.status = StatusError
	case strings.Contains(raw, elmNoData):
		log.Debug("[ELM] adapter reported no data")
		c.status = StatusNoData
	}
}

// decodeElmResponseLocked correlates a query response with the current
// request and extracts its data bytes. A multi-frame response arrives
// as colon separated lines, the leading hex field carries the total
// length and the line indices before each ':' are dropped.
func (c *Client) decodeElmResponseLocked(raw string) {
	c.flushResponseBytesLocked()
	c.frameBytes = 0
	c.multiFrame = false

	buf := raw
	if idx := strings.IndexByte(buf, ':'); idx >= 0 {
		c.multiFrame = true
		end := idx - 1
		if end < 0 {
			end = 0
		}
		total, err := strconv.ParseUint(buf[:end], 16, 8)
		if err != nil {
			log.Warnf("[ELM] bad multi-frame length field %v", buf[:end])
			c.status = StatusNoData
			return
		}
		c.frameBytes = uint8(total)
		buf = buf[idx+1:]
		for {
			j := strings.IndexByte(buf, ':')
			if j < 0 {
				break
			}
			if j == 0 {
				buf = buf[1:]
				continue
			}
			buf = buf[:j-1] + buf[j+1:]
		}
	}

	payload := make([]byte, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		v, err := strconv.ParseUint(buf[i:i+2], 16, 8)
		if err != nil {
			// Not a hex response, sentinel matching decides below
			c.status = StatusNoData
			return
		}
		payload = append(payload, byte(v))
	}
	if len(payload) < 2 || payload[0] == 0 {
		c.status = StatusNoData
		return
	}

	c.responseService = payload[0] - positiveResponseOffset
	c.readBytes = 1
	if c.current.Pid > 0xFF {
		if len(payload) < 3 {
			c.status = StatusNoData
			return
		}
		c.responsePid = uint16(payload[1])<<8 | uint16(payload[2])
		c.readBytes += 2
	} else {
		c.responsePid = uint16(payload[1])
		c.readBytes++
	}
	if !c.multiFrame {
		c.frameBytes = c.readBytes + c.current.ExpectedBytes
	}
	if c.responseService != c.current.Service || c.responsePid != c.current.Pid {
		log.Debugf("[ELM][RX] service x%x pid x%x does not match request service x%x pid x%x",
			c.responseService, c.responsePid, c.current.Service, c.current.Pid)
		c.status = StatusNoData
		return
	}
	for i := int(c.readBytes); i < int(c.frameBytes) && i < len(payload); i++ {
		if int(c.dataBytes) >= len(c.responseBytes) {
			break
		}
		c.responseBytes[c.dataBytes] = payload[i]
		c.dataBytes++
	}
	c.readBytes += c.dataBytes
}

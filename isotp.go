package obd2

import (
	"github.com/dixtone/obd2/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Protocol control information, first byte of every ISO-TP payload
const (
	pciSingleMax      = 0x07
	pciFirstFrame     = 0x10
	pciConsecutiveMin = 0x21
	pciConsecutiveMax = 0x2F
	pciFlowControl    = 0x30
)

// Positive responses echo the request service with this offset added
const positiveResponseOffset = 0x40

// encodeQuery renders a request as a single-frame query, DLC 8.
// An 8 bit PID gives [0x02 service pid 0...], a 16 bit PID selects
// extended framing and gives [0x03 service pidHi pidLo 0...].
func encodeQuery(request *Request) can.Frame {
	frame := can.NewFrame(request.Header, 0, 8)
	if request.Pid > 0xFF {
		frame.ID |= can.EffFlag
		frame.Data[0] = 0x03
		frame.Data[1] = request.Service
		frame.Data[2] = byte(request.Pid >> 8)
		frame.Data[3] = byte(request.Pid)
		return frame
	}
	if request.Header > can.SffMask {
		frame.ID |= can.EffFlag
	}
	frame.Data[0] = 0x02
	frame.Data[1] = request.Service
	frame.Data[2] = byte(request.Pid)
	return frame
}

// flowControlFrame builds a continue-to-send frame, block size 0,
// separation time 0, addressed to the outgoing request ID. The frame
// goes out with the extended flag set, matching deployed responders.
func flowControlFrame(id uint32) can.Frame {
	frame := can.NewFrame(id|can.EffFlag, 0, 8)
	frame.Data[0] = pciFlowControl
	return frame
}

// handleFrameLocked classifies an accepted inbound frame by its PCI
// byte and folds its payload into the response buffer. The PID width of
// the response follows the extended flag of the incoming frame.
func (c *Client) handleFrameLocked(frame can.Frame) {
	pci := frame.Data[0]
	dataIndex := 0
	switch {
	case pci <= pciSingleMax:
		c.multiFrame = false
		c.flushResponseBytesLocked()
		c.frameBytes = pci
		c.responseService = frame.Data[1] - positiveResponseOffset
		c.readBytes = 1
		if frame.Extended() {
			c.responsePid = uint16(frame.Data[2])<<8 | uint16(frame.Data[3])
			c.readBytes += 2
			dataIndex = 4
		} else {
			c.responsePid = uint16(frame.Data[2])
			c.readBytes++
			dataIndex = 3
		}
	case pci == pciFirstFrame:
		c.multiFrame = true
		c.flushResponseBytesLocked()
		c.frameBytes = frame.Data[1]
		c.responseService = frame.Data[2] - positiveResponseOffset
		c.readBytes = 1
		if frame.Extended() {
			c.responsePid = uint16(frame.Data[3])<<8 | uint16(frame.Data[4])
			c.readBytes += 2
			dataIndex = 5
		} else {
			c.responsePid = uint16(frame.Data[3])
			c.readBytes++
			dataIndex = 4
		}
	case pci >= pciConsecutiveMin && pci <= pciConsecutiveMax:
		if !c.multiFrame {
			return
		}
		// Sequence indices are informational, gaps are tolerated
		if c.responsePCI >= pciConsecutiveMin && pci != nextConsecutivePCI(c.responsePCI) {
			log.Debugf("[CLIENT][RX] consecutive frame index x%x, previous x%x", pci, c.responsePCI)
		}
		dataIndex = 1
	default:
		// Unknown PCI, silently dropped
		return
	}
	c.responsePCI = pci
	c.responseID = frame.Arbitration()
	// Trailing frame padding lands in the buffer as well, the decoder
	// only looks at ExpectedBytes. The read counter saturates at the
	// announced total.
	for d := dataIndex; d < int(frame.DLC) && int(c.dataBytes) < len(c.responseBytes); d++ {
		c.responseBytes[c.dataBytes] = frame.Data[d]
		c.dataBytes++
		if c.readBytes < c.frameBytes {
			c.readBytes++
		}
	}
	c.status = StatusHandling
}

func nextConsecutivePCI(pci uint8) uint8 {
	if pci == pciConsecutiveMax {
		return pciConsecutiveMin
	}
	return pci + 1
}

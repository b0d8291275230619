// Package virtual is a TCP backed CAN bus used to exercise the OBD-II
// engine without hardware. A broker forwards every packet to all other
// connected clients (compatible with the windelbouwman/virtualcan
// broker model).
//
// Wire format : a 4 byte big endian length prefix followed by 13 frame
// bytes, the identifier with its EFF/RTR flag bits, the DLC and the 8
// data bytes. Flag bits travel inside the identifier word, so 29 bit
// diagnostic traffic and remote frames survive the wire unchanged.
package virtual

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dixtone/obd2/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

const frameWireSize = 13

// Read and write deadlines on the broker connection. Receive timeouts
// only bound the poll interval of the reception loop.
const (
	recvTimeout = 200 * time.Millisecond
	sendTimeout = 10 * time.Millisecond
)

type Bus struct {
	mu            sync.Mutex
	channel       string
	conn          net.Conn
	receiveOwn    bool
	filterIdent   uint32
	filterMask    uint32
	framehandler  can.FrameListener
	stopChan      chan bool
	wg            sync.WaitGroup
	isRunning     bool
	errSubscriber bool
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel, stopChan: make(chan bool)}, nil
}

func marshalFrame(frame can.Frame) []byte {
	packet := make([]byte, 4+frameWireSize)
	binary.BigEndian.PutUint32(packet[0:4], frameWireSize)
	binary.BigEndian.PutUint32(packet[4:8], frame.ID)
	packet[8] = frame.DLC
	copy(packet[9:], frame.Data[:])
	return packet
}

func unmarshalFrame(payload []byte) (can.Frame, error) {
	var frame can.Frame
	if len(payload) < frameWireSize {
		return frame, fmt.Errorf("short frame : %v bytes", len(payload))
	}
	frame.ID = binary.BigEndian.Uint32(payload[0:4])
	frame.DLC = payload[4]
	if frame.DLC > 8 {
		frame.DLC = 8
	}
	copy(frame.Data[:], payload[5:frameWireSize])
	return frame, nil
}

// "Connect" to the broker, e.g. localhost:18888
func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return fmt.Errorf("connecting to virtual bus failed : %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// "Disconnect" from the broker. The reception goroutine is stopped
// before the connection closes, so no read is in flight by then.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := b.isRunning && !b.errSubscriber
	b.mu.Unlock()
	if running {
		b.stopChan <- true
		b.wg.Wait()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// SetAcceptanceFilter emulates a controller hardware filter : only
// frames whose identifier matches ident under mask reach the
// subscriber, everything else is dropped before dispatch. A zero mask
// accepts all traffic. For OBD-II this is typically the ECU response
// range, ident 0x7E8 under mask 0x7F8.
func (b *Bus) SetAcceptanceFilter(ident uint32, mask uint32) {
	b.mu.Lock()
	b.filterIdent = ident
	b.filterMask = mask
	b.mu.Unlock()
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Local loopback, subject to the same acceptance filter
	if b.receiveOwn && b.framehandler != nil {
		if can.MatchesFilter(frame.ID, b.filterIdent, b.filterMask) {
			b.framehandler.Handle(frame)
		}
		if b.conn == nil {
			return nil
		}
	}
	if b.conn == nil {
		return errors.New("no active connection, abort send")
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	_, err := b.conn.Write(marshalFrame(frame))
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.isRunning {
		return nil
	}
	b.wg.Add(1)
	b.isRunning = true
	b.errSubscriber = false
	go b.handleReception()
	return nil
}

// recvLocked reads one length-prefixed frame. Short reads are resolved
// by io.ReadFull so a slow broker cannot split a frame apart.
func (b *Bus) recvLocked() (*can.Frame, error) {
	if b.conn == nil {
		return nil, errors.New("no active connection, abort receive")
	}
	_ = b.conn.SetReadDeadline(time.Now().Add(recvTimeout))
	header := make([]byte, 4)
	if _, err := io.ReadFull(b.conn, header); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header))
	_ = b.conn.SetReadDeadline(time.Now().Add(recvTimeout))
	if _, err := io.ReadFull(b.conn, payload); err != nil {
		return nil, err
	}
	frame, err := unmarshalFrame(payload)
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// handleReception delivers incoming traffic to the subscriber. Every
// iteration holds the bus mutex, so Subscribe cannot swap the handler
// and Disconnect cannot close the connection while a read or a
// dispatch is in progress. TryLock keeps the loop from blocking
// against a Disconnect that already owns the mutex.
func (b *Bus) handleReception() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			b.mu.Lock()
			b.isRunning = false
			b.mu.Unlock()
			return
		default:
			if !b.mu.TryLock() {
				time.Sleep(time.Millisecond)
				continue
			}
			frame, err := b.recvLocked()
			switch {
			case err == nil:
				if b.framehandler != nil &&
					can.MatchesFilter(frame.ID, b.filterIdent, b.filterMask) {
					b.framehandler.Handle(*frame)
				}
			case isTimeout(err):
				// No frame received, this is OK
			default:
				log.Errorf("[VIRTUAL] listening routine has closed because : %v", err)
				b.errSubscriber = true
				b.isRunning = false
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
		}
	}
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

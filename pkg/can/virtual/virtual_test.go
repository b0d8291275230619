package virtual

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dixtone/obd2/pkg/can"
)

// Minimal virtualcan broker : every length-prefixed packet received on
// one connection is forwarded to all other connections
type broker struct {
	mu    sync.Mutex
	conns []net.Conn
}

func startBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b := &broker{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.conns = append(b.conns, conn)
			b.mu.Unlock()
			go b.serve(conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		b.mu.Lock()
		for _, conn := range b.conns {
			conn.Close()
		}
		b.mu.Unlock()
	})
	return ln.Addr().String()
}

func (b *broker) serve(conn net.Conn) {
	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(header))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		packet := append(header, payload...)
		b.mu.Lock()
		for _, other := range b.conns {
			if other != conn {
				other.Write(packet)
			}
		}
		b.mu.Unlock()
	}
}

type frameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (r *frameReceiver) Handle(frame can.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
}

func (r *frameReceiver) snapshot() []can.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([]can.Frame, len(r.frames))
	copy(frames, r.frames)
	return frames
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSendAndSubscribe(t *testing.T) {
	channel := startBroker(t)
	bus1, err := NewVirtualCanBus(channel)
	assert.Nil(t, err)
	bus2, err := NewVirtualCanBus(channel)
	assert.Nil(t, err)
	assert.Nil(t, bus1.Connect())
	assert.Nil(t, bus2.Connect())
	defer bus1.Disconnect()
	defer bus2.Disconnect()

	receiver := &frameReceiver{}
	assert.Nil(t, bus2.Subscribe(receiver))

	frame := can.NewFrame(0x7E8, 0, 8)
	for i := 0; i < 10; i++ {
		frame.Data[0] = byte(i)
		assert.Nil(t, bus1.Send(frame))
	}
	waitFor(t, func() bool { return len(receiver.snapshot()) >= 10 })
	for i, got := range receiver.snapshot()[:10] {
		assert.EqualValues(t, 0x7E8, got.ID)
		assert.EqualValues(t, byte(i), got.Data[0])
	}
}

func TestExtendedFrameSurvivesRoundTrip(t *testing.T) {
	channel := startBroker(t)
	bus1, _ := NewVirtualCanBus(channel)
	bus2, _ := NewVirtualCanBus(channel)
	assert.Nil(t, bus1.Connect())
	assert.Nil(t, bus2.Connect())
	defer bus1.Disconnect()
	defer bus2.Disconnect()

	receiver := &frameReceiver{}
	assert.Nil(t, bus2.Subscribe(receiver))

	frame := can.NewFrame(0x18DAF110|can.EffFlag, 0, 8)
	frame.Data = [8]byte{0x07, 0x62, 0x10, 0x03, 0xAA, 0xBB, 0xCC, 0xDD}
	assert.Nil(t, bus1.Send(frame))

	waitFor(t, func() bool { return len(receiver.snapshot()) == 1 })
	got := receiver.snapshot()[0]
	assert.True(t, got.Extended())
	assert.EqualValues(t, 0x18DAF110, got.Arbitration())
	assert.Equal(t, frame.Data, got.Data)
}

func TestFrameWireRoundTrip(t *testing.T) {
	frame := can.NewFrame(0x18DAF110|can.EffFlag|can.RtrFlag, 0, 8)
	frame.Data = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	packet := marshalFrame(frame)
	assert.Len(t, packet, 4+frameWireSize)
	got, err := unmarshalFrame(packet[4:])
	assert.Nil(t, err)
	assert.Equal(t, frame, got)
	assert.True(t, got.Extended())
	assert.True(t, got.Rtr())

	_, err = unmarshalFrame(packet[4:10])
	assert.NotNil(t, err)
}

func TestAcceptanceFilter(t *testing.T) {
	channel := startBroker(t)
	bus1, _ := NewVirtualCanBus(channel)
	bus2, _ := NewVirtualCanBus(channel)
	assert.Nil(t, bus1.Connect())
	assert.Nil(t, bus2.Connect())
	defer bus1.Disconnect()
	defer bus2.Disconnect()

	receiver := &frameReceiver{}
	// Accept only the ECU response range 0x7E8..0x7EF
	bus2.(*Bus).SetAcceptanceFilter(0x7E8, 0x7F8)
	assert.Nil(t, bus2.Subscribe(receiver))

	assert.Nil(t, bus1.Send(can.NewFrame(0x180, 0, 8)))
	assert.Nil(t, bus1.Send(can.NewFrame(0x7EA, 0, 8)))
	waitFor(t, func() bool { return len(receiver.snapshot()) == 1 })
	assert.EqualValues(t, 0x7EA, receiver.snapshot()[0].ID)
}

// Disconnecting while frames are in flight must not race with the
// reception loop
func TestDisconnectDuringTraffic(t *testing.T) {
	channel := startBroker(t)
	sender, _ := NewVirtualCanBus(channel)
	receiver, _ := NewVirtualCanBus(channel)
	assert.Nil(t, sender.Connect())
	assert.Nil(t, receiver.Connect())
	defer sender.Disconnect()

	assert.Nil(t, receiver.Subscribe(&frameReceiver{}))

	done := make(chan bool)
	go func() {
		frame := can.NewFrame(0x7E8, 0, 8)
		for i := 0; i < 200; i++ {
			sender.Send(frame)
		}
		done <- true
	}()
	time.Sleep(5 * time.Millisecond)
	assert.Nil(t, receiver.Disconnect())
	<-done
}

func TestLocalLoopback(t *testing.T) {
	bus, err := NewVirtualCanBus("unused")
	assert.Nil(t, err)
	virtualBus := bus.(*Bus)
	virtualBus.receiveOwn = true
	receiver := &frameReceiver{}
	virtualBus.framehandler = receiver

	frame := can.NewFrame(0x111, 0, 8)
	assert.Nil(t, virtualBus.Send(frame))
	assert.Len(t, receiver.snapshot(), 1)
}

func TestSendWithoutConnection(t *testing.T) {
	bus, _ := NewVirtualCanBus("unused")
	assert.NotNil(t, bus.Send(can.NewFrame(0x111, 0, 8)))
}

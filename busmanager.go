package obd2

import (
	"sync"

	"github.com/dixtone/obd2/pkg/can"
	log "github.com/sirupsen/logrus"
)

type subscription struct {
	ident    uint32
	mask     uint32
	rtr      bool
	listener can.FrameListener
}

func (sub *subscription) accepts(frame can.Frame) bool {
	if !can.MatchesFilter(frame.ID, sub.ident, sub.mask) {
		return false
	}
	if frame.Rtr() && !sub.rtr {
		return false
	}
	return true
}

// BusManager is responsible for using the CAN bus : it owns the transmit
// path and fans received frames out to matching subscribers.
type BusManager struct {
	mu            sync.Mutex
	bus           can.Bus
	subscriptions []*subscription
}

func NewBusManager(bus can.Bus) *BusManager {
	return &BusManager{bus: bus}
}

// Implements the can.FrameListener interface, frames are distributed
// to all subscribers whose ident matches under their mask
func (bm *BusManager) Handle(frame can.Frame) {
	bm.mu.Lock()
	subscriptions := make([]*subscription, len(bm.subscriptions))
	copy(subscriptions, bm.subscriptions)
	bm.mu.Unlock()
	for _, sub := range subscriptions {
		if sub.accepts(frame) {
			sub.listener.Handle(frame)
		}
	}
}

// Send a frame on the bus
func (bm *BusManager) Send(frame can.Frame) error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}
	return bus.Send(frame)
}

// Subscribe to frames with the given ident, under the given mask.
// A zero mask matches every frame on the bus.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, listener can.FrameListener) error {
	if listener == nil {
		return ErrIllegalArgument
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.subscriptions = append(bm.subscriptions, &subscription{ident: ident, mask: mask, rtr: rtr, listener: listener})
	return nil
}

func (bm *BusManager) Bus() can.Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

func (bm *BusManager) SetBus(bus can.Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

// Connect to the underlying bus and subscribe to frame reception
func (bm *BusManager) Connect(args ...any) error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}
	if err := bus.Connect(args...); err != nil {
		return err
	}
	err := bus.Subscribe(bm)
	if err != nil {
		return err
	}
	log.Debug("[BUS] connected and subscribed to frame reception")
	return nil
}

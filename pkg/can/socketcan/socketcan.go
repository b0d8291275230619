// Package socketcan drives a Linux socketcan interface through
// brutella/can. Controller error frames are dropped before they reach
// the engine and an optional acceptance filter narrows reception to
// the diagnostic response range.
package socketcan

import (
	"fmt"
	"sync"

	brutella "github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	"github.com/dixtone/obd2/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewSocketcanBus)
}

type Bus struct {
	mu           sync.Mutex
	channel      string
	bus          *brutella.Bus
	filterIdent  uint32
	filterMask   uint32
	framehandler can.FrameListener
}

func NewSocketcanBus(channel string) (can.Bus, error) {
	bus, err := brutella.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, fmt.Errorf("opening %v failed : %w", channel, err)
	}
	return &Bus{channel: channel, bus: bus}, nil
}

// "Connect" implementation of Bus interface
func (socketcan *Bus) Connect(...any) error {
	log.Infof("[SOCKETCAN] connecting to %v", socketcan.channel)
	go func() {
		if err := socketcan.bus.ConnectAndPublish(); err != nil {
			log.Errorf("[SOCKETCAN] %v reception stopped : %v", socketcan.channel, err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *Bus) Disconnect() error {
	log.Infof("[SOCKETCAN] disconnecting from %v", socketcan.channel)
	return socketcan.bus.Disconnect()
}

// SetAcceptanceFilter narrows reception to identifiers matching ident
// under mask, the software stand-in for a controller hardware filter.
// A zero mask accepts all traffic.
func (socketcan *Bus) SetAcceptanceFilter(ident uint32, mask uint32) {
	socketcan.mu.Lock()
	socketcan.filterIdent = ident
	socketcan.filterMask = mask
	socketcan.mu.Unlock()
}

// "Send" implementation of Bus interface
func (socketcan *Bus) Send(frame can.Frame) error {
	dlc := frame.DLC
	if dlc > 8 {
		dlc = 8
	}
	err := socketcan.bus.Publish(brutella.Frame{
		ID:     frame.ID,
		Length: dlc,
		Data:   frame.Data,
	})
	if err != nil {
		return fmt.Errorf("sending on %v failed : %w", socketcan.channel, err)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (socketcan *Bus) Subscribe(framehandler can.FrameListener) error {
	socketcan.mu.Lock()
	socketcan.framehandler = framehandler
	socketcan.mu.Unlock()
	// brutella/can defines its own "Handle" interface for received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *Bus) Handle(frame brutella.Frame) {
	// Bus error reports are a controller concern, they never reach
	// the diagnostic engine
	if frame.ID&can.ErrFlag != 0 {
		log.Debugf("[SOCKETCAN] dropped error frame x%x", frame.ID)
		return
	}
	socketcan.mu.Lock()
	framehandler := socketcan.framehandler
	accepted := can.MatchesFilter(frame.ID, socketcan.filterIdent, socketcan.filterMask)
	socketcan.mu.Unlock()
	if framehandler == nil || !accepted {
		return
	}
	dlc := frame.Length
	if dlc > 8 {
		dlc = 8
	}
	framehandler.Handle(can.Frame{
		ID:    frame.ID,
		Flags: frame.Flags,
		DLC:   dlc,
		Data:  frame.Data,
	})
}

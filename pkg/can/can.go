// Package can provides the minimal CAN bus abstraction consumed by the
// OBD-II client : a frame type, a bus interface and a driver registry.
package can

import (
	"fmt"
)

const (
	EffFlag uint32 = 0x80000000 // Extended (29 bit) frame format
	RtrFlag uint32 = 0x40000000 // Remote transmission request
	ErrFlag uint32 = 0x20000000 // Error frame reported by the controller
	EffMask uint32 = 0x1FFFFFFF
	SffMask uint32 = 0x000007FF
)

// A CAN frame. Flag bits are carried inside ID, socketcan style.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Arbitration returns the identifier without flag bits.
func (f Frame) Arbitration() uint32 {
	if f.Extended() {
		return f.ID & EffMask
	}
	return f.ID & SffMask
}

func (f Frame) Extended() bool {
	return f.ID&EffFlag != 0
}

func (f Frame) Rtr() bool {
	return f.ID&RtrFlag != 0
}

// MatchesFilter reports whether a frame identifier passes an
// acceptance filter. A zero mask accepts everything. Diagnostic
// clients typically filter on the ECU response range, e.g. ident
// 0x7E8 under mask 0x7F8.
func MatchesFilter(id uint32, ident uint32, mask uint32) bool {
	return mask == 0 || id&mask == ident&mask
}

// Interface for handling a received CAN frame.
// Drivers may call Handle from their own reception goroutine.
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Register a new CAN bus interface type
// This should be called inside an init() function of the driver package
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// Create a new CAN bus with given interface
// Currently supported : socketcan, virtualcan
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}

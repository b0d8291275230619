// Package serialport adapts a serial connection to the byte stream
// capability consumed by the ELM327 dialect driver.
package serialport

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Port wraps a serial connection with a reception goroutine so that
// Available and ReadByte never block.
type Port struct {
	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	buffer []byte
	err    error
}

// Open opens a serial device, e.g. /dev/ttyUSB0 at 38400 baud for the
// common ELM327 dongles, and starts the reception pump.
func Open(device string, baud int) (*Port, error) {
	s, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, err
	}
	log.Infof("[STREAM] opened %v @ %v baud", device, baud)
	return NewPort(s), nil
}

// NewPort starts a reception pump over any read-writer, which makes it
// possible to reach an adapter over TCP as well as over a local device
func NewPort(rwc io.ReadWriteCloser) *Port {
	port := &Port{rwc: rwc}
	go port.pump()
	return port
}

func (port *Port) pump() {
	chunk := make([]byte, 64)
	for {
		n, err := port.rwc.Read(chunk)
		port.mu.Lock()
		if n > 0 {
			port.buffer = append(port.buffer, chunk[:n]...)
		}
		if err != nil {
			port.err = err
			port.mu.Unlock()
			if err != io.EOF {
				log.Warnf("[STREAM] reception pump stopped : %v", err)
			}
			return
		}
		port.mu.Unlock()
	}
}

// Available implements obd2.Stream
func (port *Port) Available() int {
	port.mu.Lock()
	defer port.mu.Unlock()
	return len(port.buffer)
}

// ReadByte implements obd2.Stream
func (port *Port) ReadByte() (byte, error) {
	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.buffer) == 0 {
		if port.err != nil {
			return 0, port.err
		}
		return 0, io.EOF
	}
	b := port.buffer[0]
	port.buffer = port.buffer[1:]
	return b, nil
}

// WriteString implements obd2.Stream
func (port *Port) WriteString(s string) (int, error) {
	return port.rwc.Write([]byte(s))
}

// Close closes the underlying connection, stopping the pump
func (port *Port) Close() error {
	return port.rwc.Close()
}

package serialport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func pipePort(t *testing.T) (*Port, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	port := NewPort(local)
	t.Cleanup(func() {
		port.Close()
		remote.Close()
	})
	return port, remote
}

func waitAvailable(t *testing.T, port *Port, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if port.Available() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("only %v bytes available", port.Available())
}

func TestPumpMakesBytesAvailable(t *testing.T) {
	port, remote := pipePort(t)
	assert.Equal(t, 0, port.Available())

	go remote.Write([]byte("41 0C 1A F8>"))
	waitAvailable(t, port, 12)

	b, err := port.ReadByte()
	assert.Nil(t, err)
	assert.EqualValues(t, '4', b)
	assert.Equal(t, 11, port.Available())
}

func TestReadByteWhenEmpty(t *testing.T) {
	port, _ := pipePort(t)
	_, err := port.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteString(t *testing.T) {
	port, remote := pipePort(t)
	received := make(chan []byte, 1)
	go func() {
		chunk := make([]byte, 16)
		n, _ := remote.Read(chunk)
		received <- chunk[:n]
	}()
	n, err := port.WriteString("AT Z\r")
	assert.Nil(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("AT Z\r"), <-received)
}

func TestPumpStopsOnClose(t *testing.T) {
	port, remote := pipePort(t)
	go remote.Write([]byte("OK>"))
	waitAvailable(t, port, 3)
	remote.Close()

	// Buffered bytes stay readable after the link goes down
	for i := 0; i < 3; i++ {
		_, err := port.ReadByte()
		assert.Nil(t, err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := port.ReadByte(); err != nil && err != io.EOF {
			return
		}
		time.Sleep(time.Millisecond)
	}
	_, err := port.ReadByte()
	assert.NotNil(t, err)
}

package obd2

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Scripted byte stream standing in for an ELM327 adapter. Commands are
// answered through the respond callback as soon as the trailing CR is
// written.
type scriptStream struct {
	mu      sync.Mutex
	rx      []byte
	tx      []byte
	pending []byte
	respond func(cmd string) string
}

func (s *scriptStream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx)
}

func (s *scriptStream) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rx) == 0 {
		return 0, io.EOF
	}
	b := s.rx[0]
	s.rx = s.rx[1:]
	return b, nil
}

func (s *scriptStream) WriteString(str string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = append(s.tx, str...)
	s.pending = append(s.pending, str...)
	for {
		idx := -1
		for i, b := range s.pending {
			if b == '\r' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		cmd := string(s.pending[:idx])
		s.pending = s.pending[idx+1:]
		if s.respond != nil {
			s.rx = append(s.rx, []byte(s.respond(cmd))...)
		}
	}
	return len(str), nil
}

func (s *scriptStream) written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tx)
}

func okStream() *scriptStream {
	return &scriptStream{respond: func(cmd string) string { return "OK>" }}
}

func newElmClient(t *testing.T, stream *scriptStream) (*Client, *recorder) {
	t.Helper()
	client := NewClient(nil)
	rec := &recorder{}
	client.OnHandleValue(rec)
	assert.Nil(t, client.BeginElm327(stream, 500*time.Millisecond))
	assert.Equal(t, StatusReady, client.Status())
	return client, rec
}

func TestElmInitializationSequence(t *testing.T) {
	stream := okStream()
	_, _ = newElmClient(t, stream)
	assert.Equal(t, "AT D\rAT Z\r", stream.written())
}

func TestElmInitializationFailure(t *testing.T) {
	// A silent adapter times out both init commands
	stream := &scriptStream{}
	client := NewClient(nil)
	err := client.BeginElm327(stream, 50*time.Millisecond)
	assert.NotNil(t, err)
	assert.Equal(t, StatusReady, client.Status())
}

func TestElmSingleFrameQuery(t *testing.T) {
	stream := okStream()
	client, rec := newElmClient(t, stream)
	stream.respond = func(cmd string) string { return "41 05 7B >" }

	request := NewRequest(0x7E0, 0x01, 0x05, 1)
	request.Scale = 1
	request.Offset = -40

	assert.True(t, client.SendRequest(request))
	assert.True(t, strings.HasSuffix(stream.written(), "01051\r"))
	assert.Equal(t, StatusHandling, client.Status())

	assert.Equal(t, StatusReceived, client.Process())
	assert.EqualValues(t, 0x01, client.ResponseService())
	assert.EqualValues(t, 0x05, client.ResponsePid())

	assert.Equal(t, StatusReady, client.Process())
	assert.Equal(t, 1, rec.count())
	assert.EqualValues(t, 123-40, rec.last().value)
	assert.Equal(t, []byte{0x7B}, rec.last().data[:1])
}

func TestElmQueryHexDigitsAboveNine(t *testing.T) {
	stream := okStream()
	client, _ := newElmClient(t, stream)
	stream.respond = func(cmd string) string { return "41 0A 22 >" }

	request := NewRequest(0x7E0, 0x01, 0x0A, 1)
	assert.True(t, client.SendRequest(request))
	assert.True(t, strings.HasSuffix(stream.written(), "010A1\r"))
	assert.Equal(t, StatusReceived, client.Process())
}

func TestElmExtendedPidQuery(t *testing.T) {
	stream := okStream()
	client, rec := newElmClient(t, stream)
	stream.respond = func(cmd string) string { return "62 10 03 01 C2 >" }

	request := NewRequest(0x18DB33F1, 0x22, 0x1003, 2)
	assert.True(t, client.SendRequest(request))
	assert.True(t, strings.HasSuffix(stream.written(), "2210032\r"))

	assert.Equal(t, StatusReceived, client.Process())
	assert.EqualValues(t, 0x22, client.ResponseService())
	assert.EqualValues(t, 0x1003, client.ResponsePid())
	assert.Equal(t, StatusReady, client.Process())
	assert.Equal(t, 1, rec.count())
	assert.EqualValues(t, 0x01C2, rec.last().value)
}

func TestElmMultiFrameResponse(t *testing.T) {
	stream := okStream()
	client, rec := newElmClient(t, stream)
	// Vehicle identification arrives as indexed lines with a leading
	// total length field
	stream.respond = func(cmd string) string {
		return "014\r" +
			"0: 49 02 01 31 41 33\r" +
			"1: 42 43 30 30 30 31 32\r" +
			"2: 33 34 35 36 37 38 39\r" +
			">"
	}

	request := NewRequest(0x7DF, 0x09, 0x02, 17)
	assert.True(t, client.SendRequest(request))
	assert.Equal(t, StatusReceived, client.Process())
	assert.True(t, client.ResponseMultiFrame())

	assert.Equal(t, StatusReady, client.Process())
	assert.Equal(t, 1, rec.count())
	data := rec.last().data
	assert.Len(t, data, 18)
	assert.EqualValues(t, 0x01, data[0])
	assert.Equal(t, []byte("1A3BC000123456789"), data[1:])
}

func TestElmNoData(t *testing.T) {
	stream := okStream()
	client, rec := newElmClient(t, stream)
	client.now = (&fakeClock{t: time.Unix(1000, 0)}).now
	stream.respond = func(cmd string) string { return "NO DATA >" }

	request := NewRequest(0x7E0, 0x01, 0x05, 1)
	assert.True(t, client.SendRequest(request))
	assert.Equal(t, StatusNoData, client.Process())
	assert.Equal(t, 0, rec.count())
}

func TestElmErrorSentinels(t *testing.T) {
	cases := []struct {
		response string
		expected Status
	}{
		{"UNABLE TO CONNECT >", StatusError},
		{"STOPPED >", StatusError},
		{"BUS ERROR >", StatusError},
		{"NO DATA >", StatusNoData},
	}
	for _, tc := range cases {
		stream := okStream()
		client, _ := newElmClient(t, stream)
		stream.respond = func(cmd string) string { return tc.response }
		request := NewRequest(0x7E0, 0x01, 0x05, 1)
		assert.True(t, client.SendRequest(request))
		assert.Equal(t, tc.expected, client.Process(), "response %q", tc.response)
	}
}

func TestElmServiceMismatchIsNoData(t *testing.T) {
	stream := okStream()
	client, _ := newElmClient(t, stream)
	stream.respond = func(cmd string) string { return "41 0C 12 34 >" }

	request := NewRequest(0x7E0, 0x01, 0x05, 1)
	assert.True(t, client.SendRequest(request))
	assert.Equal(t, StatusNoData, client.Process())
}

func TestElmHeaderTruncation(t *testing.T) {
	stream := okStream()
	client, _ := newElmClient(t, stream)

	assert.True(t, client.SendElmHeader(0x18DAF110))
	assert.True(t, strings.HasSuffix(stream.written(), "AT SH DAF110\r"))

	assert.True(t, client.SendElmHeader(0x7E0))
	assert.True(t, strings.HasSuffix(stream.written(), "AT SH 7E0\r"))
}

func TestElmCommandBlockingTimeout(t *testing.T) {
	stream := okStream()
	client, _ := newElmClient(t, stream)
	stream.respond = nil // adapter goes silent

	start := time.Now()
	assert.False(t, client.SendElmCommandBlocking("AT RV"))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	// The engine is usable again after a raw command times out
	assert.Equal(t, StatusReady, client.Status())
}

func TestElmRejectsRequestWhileBusy(t *testing.T) {
	stream := okStream()
	client, _ := newElmClient(t, stream)
	stream.respond = nil

	request := NewRequest(0x7E0, 0x01, 0x05, 1)
	assert.True(t, client.SendRequest(request))
	assert.False(t, client.SendRequest(request))
}

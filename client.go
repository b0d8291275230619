package obd2

import (
	"sync"
	"time"

	"github.com/dixtone/obd2/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	// Capacity of the assembled response payload
	ResponseBufferSize = 64

	DefaultRequestTimeout          = 1000 * time.Millisecond
	DefaultConsecutiveFrameTimeout = 100 * time.Millisecond
)

// Client is the OBD-II request engine. It drives a single outstanding
// Request through its lifecycle over either a raw CAN bus or an ELM327
// byte stream, and reports the decoded value to the registered listener.
//
// All state transitions happen inside Process or inside Handle. Handle
// may be invoked from a driver reception goroutine : it only advances
// the engine from sending to handling and never dispatches listeners.
type Client struct {
	*BusManager
	mu  sync.Mutex
	now func() time.Time

	status                  Status
	current                 *Request
	requestTimeout          time.Duration
	consecutiveFrameTimeout time.Duration
	sendTime                time.Time

	requestID      uint32
	requestService uint8
	requestPid     uint16

	responseID      uint32
	responseService uint8
	responsePid     uint16
	responsePCI     uint8
	frameBytes      uint8
	readBytes       uint8
	dataBytes       uint8
	multiFrame      bool
	responseBytes   [ResponseBufferSize]byte

	packetFilters    []uint32
	broadcastFilters []uint32
	broadcast        BroadcastPacket

	listener ValueListener
	callback ValueFunc
	oneshot  func(value float32, data []byte, final Status)

	// ELM327 dialect
	isElm      bool
	stream     Stream
	elmTimeout time.Duration
	elmBuffer  []byte
}

// Result of a finished exchange, staged under lock and dispatched outside it
type exchangeResult struct {
	request  *Request
	value    float32
	data     []byte
	final    Status
	listener ValueListener
	callback ValueFunc
	oneshot  func(value float32, data []byte, final Status)
}

// NewClient creates a request engine on top of the given CAN bus.
// Call Connect before sending requests, or BeginElm327 to use an
// ELM327 adapter instead of raw CAN.
func NewClient(bus can.Bus) *Client {
	return &Client{
		BusManager:              NewBusManager(bus),
		now:                     time.Now,
		status:                  StatusUndefined,
		requestTimeout:          DefaultRequestTimeout,
		consecutiveFrameTimeout: DefaultConsecutiveFrameTimeout,
		elmTimeout:              DefaultRequestTimeout,
	}
}

// Connect to the CAN bus and subscribe to frame reception.
// A connection failure is surfaced here instead of blocking forever.
func (c *Client) Connect(args ...any) error {
	if err := c.BusManager.Connect(args...); err != nil {
		return err
	}
	if err := c.BusManager.Subscribe(0, 0, false, c); err != nil {
		return err
	}
	c.mu.Lock()
	c.status = StatusReady
	c.mu.Unlock()
	log.Info("[CLIENT] connected, engine ready")
	return nil
}

// OnHandleValue registers a listener object invoked on every completed
// exchange. Both listener shapes may be registered at the same time.
func (c *Client) OnHandleValue(listener ValueListener) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
}

// OnHandleValueFunc registers a bare listener function
func (c *Client) OnHandleValueFunc(fn ValueFunc) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// SetTimeouts overrides the request and consecutive-frame timeouts
func (c *Client) SetTimeouts(request time.Duration, consecutiveFrame time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if request > 0 {
		c.requestTimeout = request
	}
	if consecutiveFrame > 0 {
		c.consecutiveFrameTimeout = consecutiveFrame
	}
}

// Status returns the current engine status
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SendRequest starts a new exchange. It returns false, without touching
// any engine state, unless the engine is ready. The caller must keep
// request alive and unmodified until the listener has fired.
func (c *Client) SendRequest(request *Request) bool {
	if request == nil {
		return false
	}
	c.mu.Lock()
	if c.status != StatusReady {
		c.mu.Unlock()
		return false
	}
	if c.isElm {
		ok := c.sendElmRequestLocked(request)
		c.mu.Unlock()
		return ok
	}
	c.flushLocked()
	c.status = StatusSending
	c.current = request
	c.sendTime = c.now()
	c.multiFrame = false
	c.requestID = request.Header
	c.requestService = request.Service
	c.requestPid = request.Pid
	frame := encodeQuery(request)
	c.mu.Unlock()
	log.Debugf("[CLIENT][TX] query x%x service x%x pid x%x", request.Header, request.Service, request.Pid)
	if err := c.Send(frame); err != nil {
		log.Warnf("[CLIENT] sending query failed : %v", err)
	}
	return true
}

// Handle implements can.FrameListener and is the asynchronous intake
// point of the engine. Frames matching a broadcast filter are diverted
// to the broadcast sink before any correlation with the outstanding
// request. With one or more packet filters installed only listed IDs
// reach the engine.
func (c *Client) Handle(frame can.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := frame.Arbitration()
	if containsId(c.broadcastFilters, id) {
		c.broadcast = BroadcastPacket{Header: id, Data: frame.Data}
		log.Debugf("[CLIENT][RX] broadcast x%x %v", id, frame.Data)
		return
	}
	if len(c.packetFilters) > 0 && !containsId(c.packetFilters, id) {
		return
	}
	if c.status != StatusSending && c.status != StatusHandling {
		return
	}
	if frame.Rtr() || frame.DLC == 0 {
		return
	}
	c.handleFrameLocked(frame)
}

// Process drives the engine and must be called repeatedly. Terminal
// statuses are resolved here : the listener is dispatched exactly once
// and the engine returns to ready.
func (c *Client) Process() Status {
	c.mu.Lock()
	var tx []can.Frame
	var result *exchangeResult
	switch c.status {
	case StatusSending:
		c.checkTimeoutLocked()
	case StatusHandling:
		c.checkTimeoutLocked()
		if c.status == StatusHandling {
			if c.isElm {
				c.pollElmLocked()
			} else {
				tx = c.checkResponseLocked()
			}
		}
	case StatusReceived:
		result = c.prepareDispatchLocked(StatusReceived)
	case StatusTimeout, StatusNoData, StatusError:
		// After a grace period the engine self-clears so the next
		// request may proceed, reporting a zero value
		if c.now().Sub(c.sendTime) > c.requestTimeout {
			result = c.prepareDispatchLocked(c.status)
		}
	}
	status := c.status
	c.mu.Unlock()

	for _, frame := range tx {
		if err := c.Send(frame); err != nil {
			log.Warnf("[CLIENT] sending flow control failed : %v", err)
		}
	}
	if result != nil {
		dispatch(result)
		status = StatusReady
	}
	return status
}

// Flush cancels any exchange in progress and forces the engine back to
// ready. A late frame for the flushed request no longer correlates.
func (c *Client) Flush() {
	c.mu.Lock()
	c.status = StatusReady
	c.flushLocked()
	c.mu.Unlock()
}

// Read is a synchronous convenience wrapper : it sends the request and
// drives Process until the exchange terminates, returning the decoded
// value and the assembled data bytes.
func (c *Client) Read(request *Request) (float32, []byte, error) {
	done := make(chan Status, 1)
	var value float32
	var data []byte
	c.mu.Lock()
	if c.status != StatusReady {
		c.mu.Unlock()
		return 0, nil, ErrInvalidState
	}
	c.oneshot = func(v float32, d []byte, final Status) {
		value = v
		data = d
		done <- final
	}
	timeout := c.requestTimeout
	c.mu.Unlock()
	if !c.SendRequest(request) {
		c.mu.Lock()
		c.oneshot = nil
		c.mu.Unlock()
		return 0, nil, ErrInvalidState
	}
	limit := c.now().Add(4 * timeout)
	for {
		c.Process()
		select {
		case final := <-done:
			switch final {
			case StatusReceived:
				return value, data, nil
			case StatusTimeout:
				return 0, nil, ErrTimeout
			case StatusNoData:
				return 0, nil, ErrNoData
			default:
				return 0, nil, ErrAdapter
			}
		default:
		}
		if c.now().After(limit) {
			c.Flush()
			return 0, nil, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Value decodes the accumulated response bytes for the given request :
// a big endian unsigned integer over ExpectedBytes bytes, scaled and
// offset per the request.
func (c *Client) Value(request *Request) float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valueLocked(request)
}

// ResponseByte returns a single byte of the assembled response payload
func (c *Client) ResponseByte(index int) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.responseBytes) {
		return 0
	}
	return c.responseBytes[index]
}

// ResponseBytes returns a copy of the assembled response payload
func (c *Client) ResponseBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, c.dataBytes)
	copy(data, c.responseBytes[:c.dataBytes])
	return data
}

// ResponseService returns the service echoed by the last response,
// already translated back from the positive response offset
func (c *Client) ResponseService() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseService
}

// ResponsePid returns the PID echoed by the last response
func (c *Client) ResponsePid() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responsePid
}

// ResponseMultiFrame reports whether the last response spanned more
// than one frame
func (c *Client) ResponseMultiFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiFrame
}

func (c *Client) checkTimeoutLocked() {
	if c.now().Sub(c.sendTime) > c.requestTimeout {
		log.Warnf("[CLIENT] request timed out, service x%x pid x%x", c.requestService, c.requestPid)
		c.sendTime = c.now()
		c.status = StatusTimeout
	}
}

// checkResponseLocked resolves the handling state on the CAN dialect.
// It returns frames to transmit once the engine lock is released.
func (c *Client) checkResponseLocked() []can.Frame {
	if c.responseService != c.requestService || c.responsePid != c.requestPid {
		log.Debugf("[CLIENT][RX] service x%x pid x%x does not match request service x%x pid x%x",
			c.responseService, c.responsePid, c.requestService, c.requestPid)
		c.status = StatusNoData
		return nil
	}
	if c.readBytes < c.frameBytes {
		if c.multiFrame && c.now().Sub(c.sendTime) > c.consecutiveFrameTimeout {
			log.Debugf("[CLIENT][TX] flow control to x%x", c.requestID)
			c.sendTime = c.now()
			c.status = StatusSending
			return []can.Frame{flowControlFrame(c.requestID)}
		}
		return nil
	}
	log.Debugf("[CLIENT][RX] exchange complete, %v of %v bytes", c.readBytes, c.frameBytes)
	c.status = StatusReceived
	return nil
}

// prepareDispatchLocked stages the listener invocation for a terminal
// status, flushes the engine and re-enters ready. The data passed to
// the listener is a private copy so it stays consistent after flush.
func (c *Client) prepareDispatchLocked(final Status) *exchangeResult {
	result := &exchangeResult{
		request:  c.current,
		final:    final,
		listener: c.listener,
		callback: c.callback,
		oneshot:  c.oneshot,
	}
	c.oneshot = nil
	if c.current != nil {
		result.data = make([]byte, c.dataBytes)
		copy(result.data, c.responseBytes[:c.dataBytes])
		if final == StatusReceived {
			result.value = c.valueLocked(c.current)
		}
	}
	c.status = StatusReady
	c.flushLocked()
	return result
}

func dispatch(result *exchangeResult) {
	if result.request != nil {
		if result.listener != nil {
			result.listener.OnValue(result.request, result.value, result.data)
		}
		if result.callback != nil {
			result.callback(result.request, result.value, result.data)
		}
	}
	if result.oneshot != nil {
		result.oneshot(result.value, result.data, result.final)
	}
}

func (c *Client) flushLocked() {
	c.current = nil
	c.requestID = 0
	c.requestService = 0
	c.requestPid = 0
	c.responseID = 0
	c.responseService = 0
	c.responsePid = 0
	c.responsePCI = 0
	c.frameBytes = 0
	c.multiFrame = false
	c.flushResponseBytesLocked()
	c.elmBuffer = c.elmBuffer[:0]
}

func (c *Client) flushResponseBytesLocked() {
	for i := range c.responseBytes {
		c.responseBytes[i] = 0
	}
	c.readBytes = 0
	c.dataBytes = 0
}

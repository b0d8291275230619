package obd2

import "github.com/dixtone/obd2/pkg/can"

// Request is a single diagnostic query. The caller keeps ownership of the
// value from SendRequest until the listener has returned.
type Request struct {
	// Opaque labels carried verbatim to listeners
	Group string
	Name  string
	// Target arbitration ID, 11 bit standard or 29 bit extended
	// depending on value range
	Header uint32
	// Service identifier, e.g. 0x01 current data, 0x22 extended data
	Service uint8
	// Parameter identifier. Values above 0xFF are encoded as 16 bit
	// and select extended framing
	Pid uint16
	// Number of data bytes following service and PID in the response
	ExpectedBytes uint8
	// Affine transform applied to the raw big endian value
	Scale  float32
	Offset float32
}

// NewRequest returns a request with Scale set to 1 so the raw value is
// reported unchanged unless the caller says otherwise.
func NewRequest(header uint32, service uint8, pid uint16, expectedBytes uint8) *Request {
	return &Request{
		Header:        header,
		Service:       service,
		Pid:           pid,
		ExpectedBytes: expectedBytes,
		Scale:         1,
	}
}

// Extended reports whether the query goes out as a 29 bit frame
func (r *Request) Extended() bool {
	return r.Pid > 0xFF || r.Header > can.SffMask
}

// ValueListener receives the decoded result of a completed exchange.
// It is invoked exactly once per accepted request, from Process only.
type ValueListener interface {
	OnValue(request *Request, value float32, data []byte)
}

// ValueFunc is the bare function shape of ValueListener
type ValueFunc func(request *Request, value float32, data []byte)

func (f ValueFunc) OnValue(request *Request, value float32, data []byte) {
	f(request, value, data)
}

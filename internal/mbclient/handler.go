package mbclient

import (
	"fmt"
	"net"
	"time"

	mb "github.com/goburrow/modbus"
)

// handler is the common surface this package needs from a goburrow/modbus
// client handler: the Packager+Transporter pair (mb.ClientHandler) plus
// lifecycle and the mutable-timeout setter spec.md §4.2 calls for
// ("timeout is a mutable attribute; setting it also updates the
// underlying socket").
type handler interface {
	mb.ClientHandler
	Connect() error
	Close() error
	SetTimeout(d time.Duration)
	Timeout() time.Duration
	SlaveUnit() byte
	SetSlaveUnit(u byte)
}

// tcpHandler adapts *mb.TCPClientHandler, goburrow/modbus's own
// "compliant client library" framing for Modbus TCP, per spec.md §1
// non-goals ("Modbus master framing from scratch... assumed").
type tcpHandler struct {
	*mb.TCPClientHandler
}

func newTCPHandler(addr string, port int, unit byte, timeout time.Duration) *tcpHandler {
	h := mb.NewTCPClientHandler(fmt.Sprintf("%s:%d", addr, port))
	h.Timeout = timeout
	h.SlaveId = unit
	return &tcpHandler{h}
}

func (h *tcpHandler) SetTimeout(d time.Duration)   { h.TCPClientHandler.Timeout = d }
func (h *tcpHandler) Timeout() time.Duration       { return h.TCPClientHandler.Timeout }
func (h *tcpHandler) SlaveUnit() byte              { return h.SlaveId }
func (h *tcpHandler) SetSlaveUnit(u byte)          { h.SlaveId = u }

// udpHandler reuses the TCP handler's MBAP Packager (Encode/Decode/Verify
// are identical for Modbus TCP and Modbus over UDP) and replaces only the
// Transporter with one that sends each ADU as a single UDP datagram.
// goburrow/modbus has no native UDP transport; this is the thin
// socket-only adaptation spec.md's client-pool design calls for, not a
// from-scratch re-implementation of framing.
type udpHandler struct {
	*mb.TCPClientHandler
	addr    string
	timeout time.Duration
	conn    *net.UDPConn
}

func newUDPHandler(addr string, port int, unit byte, timeout time.Duration) *udpHandler {
	h := mb.NewTCPClientHandler(fmt.Sprintf("%s:%d", addr, port))
	h.SlaveId = unit
	return &udpHandler{
		TCPClientHandler: h,
		addr:             fmt.Sprintf("%s:%d", addr, port),
		timeout:          timeout,
	}
}

func (h *udpHandler) Connect() error {
	raddr, err := net.ResolveUDPAddr("udp", h.addr)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return err
	}
	h.conn = conn
	return nil
}

func (h *udpHandler) Close() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

func (h *udpHandler) SetTimeout(d time.Duration) { h.timeout = d }
func (h *udpHandler) Timeout() time.Duration     { return h.timeout }
func (h *udpHandler) SlaveUnit() byte            { return h.TCPClientHandler.SlaveId }
func (h *udpHandler) SetSlaveUnit(u byte)        { h.TCPClientHandler.SlaveId = u }

func (h *udpHandler) Send(aduRequest []byte) ([]byte, error) {
	if h.conn == nil {
		return nil, fmt.Errorf("mbclient: udp not connected")
	}
	deadline := time.Now().Add(h.timeout)
	if err := h.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := h.conn.Write(aduRequest); err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := h.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// serialHandler adapts RTU/ASCII client handlers, both backed by
// goburrow/serial underneath goburrow/modbus.
type serialHandler struct {
	rtu   *mb.RTUClientHandler
	ascii *mb.ASCIIClientHandler
}

func newSerialHandler(ascii bool, tty string, baud int, unit byte, timeout time.Duration) *serialHandler {
	if ascii {
		h := mb.NewASCIIClientHandler(tty)
		h.BaudRate = baud
		h.DataBits = 8
		h.StopBits = 1
		h.Parity = "N"
		h.Timeout = timeout
		h.SlaveId = unit
		return &serialHandler{ascii: h}
	}
	h := mb.NewRTUClientHandler(tty)
	h.BaudRate = baud
	h.DataBits = 8
	h.StopBits = 1
	h.Parity = "N"
	h.Timeout = timeout
	h.SlaveId = unit
	return &serialHandler{rtu: h}
}

func (h *serialHandler) Connect() error {
	if h.ascii != nil {
		return h.ascii.Connect()
	}
	return h.rtu.Connect()
}

func (h *serialHandler) Close() error {
	if h.ascii != nil {
		return h.ascii.Close()
	}
	return h.rtu.Close()
}

func (h *serialHandler) SetTimeout(d time.Duration) {
	if h.ascii != nil {
		h.ascii.Timeout = d
		return
	}
	h.rtu.Timeout = d
}

func (h *serialHandler) Timeout() time.Duration {
	if h.ascii != nil {
		return h.ascii.Timeout
	}
	return h.rtu.Timeout
}

func (h *serialHandler) SlaveUnit() byte {
	if h.ascii != nil {
		return h.ascii.SlaveId
	}
	return h.rtu.SlaveId
}

func (h *serialHandler) SetSlaveUnit(u byte) {
	if h.ascii != nil {
		h.ascii.SlaveId = u
		return
	}
	h.rtu.SlaveId = u
}

func (h *serialHandler) Encode(pdu *mb.ProtocolDataUnit) ([]byte, error) {
	if h.ascii != nil {
		return h.ascii.Encode(pdu)
	}
	return h.rtu.Encode(pdu)
}

func (h *serialHandler) Decode(adu []byte) (*mb.ProtocolDataUnit, error) {
	if h.ascii != nil {
		return h.ascii.Decode(adu)
	}
	return h.rtu.Decode(adu)
}

func (h *serialHandler) Verify(req, resp []byte) error {
	if h.ascii != nil {
		return h.ascii.Verify(req, resp)
	}
	return h.rtu.Verify(req, resp)
}

func (h *serialHandler) Send(aduRequest []byte) ([]byte, error) {
	if h.ascii != nil {
		return h.ascii.Send(aduRequest)
	}
	return h.rtu.Send(aduRequest)
}

func (h *serialHandler) baudRate() int {
	if h.ascii != nil {
		return h.ascii.BaudRate
	}
	return h.rtu.BaudRate
}

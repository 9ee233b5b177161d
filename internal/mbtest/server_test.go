package mbtest

import (
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
)

func startServer(t *testing.T) (*Server, string, int) {
	t.Helper()
	s := NewServer()
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(s.Close)
	host, portStr, err := net.SplitHostPort(s.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return s, host, port
}

func TestReadHoldingRegistersOverTCP(t *testing.T) {
	s, host, port := startServer(t)
	s.SetHoldingRegister(10, 4242)

	pool := mbclient.NewPool(log.Default())
	spec := devspec.Spec{Method: devspec.TCP, Target: host, Port: port, Unit: 1}
	c, err := pool.MakeClient(spec, 2*time.Second)
	if err != nil {
		t.Fatalf("MakeClient: %v", err)
	}
	defer c.Put(pool)

	data, err := c.ReadHoldingRegisters(10, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if len(data) != 2 || uint16(data[0])<<8|uint16(data[1]) != 4242 {
		t.Fatalf("got %v, want [4242]", data)
	}
}

func TestWriteSingleRegisterRoundTrips(t *testing.T) {
	s, host, port := startServer(t)

	pool := mbclient.NewPool(log.Default())
	spec := devspec.Spec{Method: devspec.TCP, Target: host, Port: port, Unit: 1}
	c, err := pool.MakeClient(spec, 2*time.Second)
	if err != nil {
		t.Fatalf("MakeClient: %v", err)
	}
	defer c.Put(pool)

	if err := c.WriteSingleRegister(5, 777); err != nil {
		t.Fatalf("WriteSingleRegister: %v", err)
	}
	if got := s.HoldingRegister(5); got != 777 {
		t.Fatalf("HoldingRegister(5) = %d, want 777", got)
	}
}

func TestReadWriteMultipleRegisters(t *testing.T) {
	s, host, port := startServer(t)
	s.SetHoldingRegister(0, 1)

	pool := mbclient.NewPool(log.Default())
	spec := devspec.Spec{Method: devspec.TCP, Target: host, Port: port, Unit: 1}
	c, err := pool.MakeClient(spec, 2*time.Second)
	if err != nil {
		t.Fatalf("MakeClient: %v", err)
	}
	defer c.Put(pool)

	data, err := c.ReadWriteMultipleRegisters(0, 1, 1, []uint16{99})
	if err != nil {
		t.Fatalf("ReadWriteMultipleRegisters: %v", err)
	}
	if len(data) != 2 || uint16(data[0])<<8|uint16(data[1]) != 1 {
		t.Fatalf("read-back = %v, want [1]", data)
	}
	if got := s.HoldingRegister(1); got != 99 {
		t.Fatalf("HoldingRegister(1) = %d, want 99", got)
	}
}

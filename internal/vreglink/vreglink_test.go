package vreglink

import (
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/mbtest"
)

func dial(t *testing.T) (*mbclient.Pool, *mbclient.Client, *mbtest.Server) {
	t.Helper()
	s := mbtest.NewServer()
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(s.Close)

	host, p, err := net.SplitHostPort(s.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	pool := mbclient.NewPool(log.Default())
	spec := devspec.Spec{Method: devspec.TCP, Target: host, Port: port, Unit: 1}
	c, err := pool.MakeClient(spec, time.Second)
	if err != nil {
		t.Fatalf("MakeClient: %v", err)
	}
	return pool, c, s
}

// TestGetReturnsServerEchoedRegister exercises the [regid] -> [regid,
// status, size, ...data] FC23 exchange against mbtest's server, which
// echoes the read-address window back as the response payload.
func TestGetReturnsServerEchoedRegister(t *testing.T) {
	pool, c, s := dial(t)
	defer c.Put(pool)

	// Seed the window at base so the "response" (whatever the server
	// currently holds there) looks like [regid=5, status=0, size=2, data=77].
	s.SetHoldingRegister(100, 5)
	s.SetHoldingRegister(101, 0)
	s.SetHoldingRegister(102, 2)
	s.SetHoldingRegister(103, 77)

	v := &VregLink{Client: c, Base: 100, Size: 1}
	status, data, err := v.Get(5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %#x, want 0", status)
	}
	if len(data) != 2 || data[0] != 0 || data[1] != 77 {
		t.Fatalf("data = %v, want [0 77]", data)
	}
}

func TestGetRejectsMismatchedEcho(t *testing.T) {
	pool, c, s := dial(t)
	defer c.Put(pool)

	s.SetHoldingRegister(100, 99) // wrong regid echoed back
	s.SetHoldingRegister(101, 0)
	s.SetHoldingRegister(102, 0)

	v := &VregLink{Client: c, Base: 100, Size: 1}
	_, _, err := v.Get(5)
	if err == nil {
		t.Fatal("Get succeeded despite a mismatched regid echo")
	}
}

func TestSetWritesThroughWindow(t *testing.T) {
	pool, c, s := dial(t)
	defer c.Put(pool)

	s.SetHoldingRegister(100, 5) // the response is read before the write lands, so it echoes this seeded regid
	s.SetHoldingRegister(101, 0)
	s.SetHoldingRegister(102, 0)

	v := &VregLink{Client: c, Base: 100, Size: 1}
	_, _, err := v.Set(5, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	// After the write, base[0] holds the regid we wrote (echoed by our
	// own request), base[1] holds dlen=2.
	if got := s.HoldingRegister(100); got != 5 {
		t.Fatalf("HoldingRegister(100) = %d, want 5 (regid)", got)
	}
	if got := s.HoldingRegister(101); got != 2 {
		t.Fatalf("HoldingRegister(101) = %d, want 2 (dlen)", got)
	}
}

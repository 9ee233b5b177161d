package scan

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/probe"
)

func TestScanHostsRespectsCancellation(t *testing.T) {
	pool := mbclient.NewPool(log.Default())
	reg := probe.NewRegistry()
	s := New(pool, reg)

	s.Cancel() // running flag already clear; cancelled() is true before the sweep starts

	hosts := []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"}
	err := s.scanHosts(hosts, nil, 10*time.Millisecond, nil)

	se, ok := err.(*Err)
	if !ok || se.Kind != Cancelled {
		t.Fatalf("scanHosts error = %v, want Cancelled", err)
	}
	if len(s.Found()) != 0 {
		t.Fatalf("Found() = %v, want none after immediate cancellation", s.Found())
	}
}

func TestScanHostsEmptyListCompletes(t *testing.T) {
	pool := mbclient.NewPool(log.Default())
	reg := probe.NewRegistry()
	s := New(pool, reg)

	// NetworkScan's running flag is set for the duration of a real scan;
	// scanHosts alone doesn't touch it, so simulate that here.
	s.running = 1
	defer func() { s.running = 0 }()

	if err := s.scanHosts(nil, nil, 10*time.Millisecond, nil); err != nil {
		t.Fatalf("scanHosts(nil) = %v, want nil", err)
	}
}

func TestScanHostsLogsHumanReadableProgress(t *testing.T) {
	pool := mbclient.NewPool(log.Default())
	reg := probe.NewRegistry()
	s := New(pool, reg)

	var buf bytes.Buffer
	s.Logger = log.New(&buf, "", 0)
	s.running = 1
	defer func() { s.running = 0 }()

	hosts := []string{"203.0.113.1"}
	if err := s.scanHosts(hosts, nil, 10*time.Millisecond, nil); err != nil {
		t.Fatalf("scanHosts: %v", err)
	}
	if !strings.Contains(buf.String(), "scanned") {
		t.Fatalf("Logger output = %q, want a scanned progress line", buf.String())
	}
}

func TestErrKindString(t *testing.T) {
	cases := map[Kind]string{Transport: "transport", Decode: "decode", Cancelled: "cancelled"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

package devspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseValid(t *testing.T) {
	s, err := Parse("tcp:192.168.1.5:502:1")
	assert.NoError(t, err)
	assert.Equal(t, Spec{Method: TCP, Target: "192.168.1.5", Port: 502, Unit: 1}, s)
	assert.Equal(t, "tcp:192.168.1.5:502:1", s.String())
}

func TestParseSerial(t *testing.T) {
	s, err := Parse("rtu:ttyUSB0:9600:5")
	assert.NoError(t, err)
	assert.True(t, s.Method.IsSerial())
	assert.Equal(t, 9600, s.Port)
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, bad := range []string{
		"tcp:host:502",          // too few fields
		"tcp:host:502:1:extra",  // too many fields
		"bogus:host:502:1",      // unknown method
		"tcp:host:notanumber:1", // non-integer port
	} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestFromStringsDropsInvalidSilently(t *testing.T) {
	in := []string{
		"tcp:10.0.0.1:502:1",
		"garbage",
		"",
		"rtu:ttyUSB0:9600:2",
	}
	out := FromStrings(in)
	assert.Len(t, out, 2)
}

func TestStructuralEquality(t *testing.T) {
	a := Spec{Method: TCP, Target: "h", Port: 502, Unit: 1}
	b := Spec{Method: TCP, Target: "h", Port: 502, Unit: 1}
	assert.Equal(t, a, b)
	assert.True(t, a == b)

	m := map[Spec]int{a: 1}
	m[b] = 2
	assert.Len(t, m, 1)
}

package mbclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Scenario C: the warm-up broadcast's CRC tail for 00 08 00 00 55 55 is
// 3A 53, per spec.md §8 scenario C.
func TestWarmupFrameCRC(t *testing.T) {
	payload := []byte{0x00, 0x08, 0x00, 0x00, 0x55, 0x55}
	crc := crc16Modbus(payload)
	assert.Equal(t, []byte{0x3A, 0x53}, []byte{byte(crc), byte(crc >> 8)})
}

package mbclient

import (
	"time"

	gserial "github.com/goburrow/serial"
)

// warmupFrames/warmupSpacing implement the serial rate-adaptation
// warm-up described in spec.md §4.2 and §6: 12 transmissions, spaced
// 100ms, of the broadcast Diagnostic ReturnQueryData frame (00 08 00 00
// 55 55) plus its Modbus CRC-16, sent immediately after port open to
// prime meters that auto-detect line rate.
//
// goburrow/modbus's RTU/ASCII handlers don't expose their underlying
// serial.Port once Connect()'d, so the warm-up opens the port directly
// with goburrow/serial (the same library goburrow/modbus uses
// internally), writes the broadcast frames, and closes it; the caller
// then lets the mb handler reopen the port for ordinary traffic. This
// mirrors the teacher's internal/utils/rtu.go, which already opens
// goburrow/serial ports directly rather than going through a higher
// level client.
const (
	warmupFrames  = 12
	warmupSpacing = 100 * time.Millisecond
)

var warmupPayload = []byte{0x00, 0x08, 0x00, 0x00, 0x55, 0x55}

func buildWarmupFrame() []byte {
	crc := crc16Modbus(warmupPayload)
	frame := make([]byte, 0, len(warmupPayload)+2)
	frame = append(frame, warmupPayload...)
	frame = append(frame, byte(crc), byte(crc>>8))
	return frame
}

// sendWarmup opens devPath at baud directly, writes the warm-up frame
// warmupFrames times spaced warmupSpacing apart, and closes the port.
func sendWarmup(devPath string, baud int) error {
	port, err := gserial.Open(&gserial.Config{
		Address:  devPath,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  warmupSpacing,
	})
	if err != nil {
		return err
	}
	defer port.Close()

	frame := buildWarmupFrame()
	for i := 0; i < warmupFrames; i++ {
		if _, err := port.Write(frame); err != nil {
			return err
		}
		time.Sleep(warmupSpacing)
	}
	return nil
}

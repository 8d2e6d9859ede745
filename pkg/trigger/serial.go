package trigger

import (
	"io"

	"github.com/tarm/serial"

	"crash-recovery-go/pkg/errors"
)

// OpenSerial opens the trigger link for blocking reads. Close the port
// to unblock a reader.
func OpenSerial(device string, baud int) (io.ReadCloser, error) {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTrigger, "failed to open "+device)
	}
	return port, nil
}

package issuer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrPrinterUnavailable means the print surface could not be opened. The
// ticket has already been issued when this is returned.
var ErrPrinterUnavailable = errors.New("printer unavailable")

type Printer interface {
	Print(ctx context.Context, receipt Receipt) error
}

// WriterPrinter writes the receipt text to W, usually stdout.
type WriterPrinter struct {
	mu sync.Mutex
	W  io.Writer
}

func (p *WriterPrinter) Print(_ context.Context, receipt Receipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.W == nil {
		return ErrPrinterUnavailable
	}
	_, err := io.WriteString(p.W, receipt.Format())
	return err
}

// ESC/POS control sequences.
const (
	escInit    = "\x1b@"
	escFeed    = "\x1bd\x04"
	escPartCut = "\x1dV\x01"
)

// DevicePrinter writes raw ESC/POS to a thermal printer device node such as
// /dev/usb/lp0. The device is opened per receipt so a replugged printer is
// picked up without restarting.
type DevicePrinter struct {
	Path string
}

func (p DevicePrinter) Print(ctx context.Context, receipt Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Path == "" {
		return fmt.Errorf("%w: no device configured", ErrPrinterUnavailable)
	}
	f, err := os.OpenFile(p.Path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrinterUnavailable, err)
	}
	defer f.Close()

	payload := escInit + receipt.Format() + escFeed + escPartCut
	if _, err := io.WriteString(f, payload); err != nil {
		return fmt.Errorf("write receipt to %s: %w", p.Path, err)
	}
	return nil
}

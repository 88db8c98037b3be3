package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"railpulse/internal/domain"
	"railpulse/internal/tracker"
)

// Serial reads NMEA sentences from a GPS receiver on a serial port.
type Serial struct {
	port   string
	baud   int
	logger *slog.Logger

	open func(name string, mode *serial.Mode) (io.ReadCloser, error)
	Now  func() time.Time
}

func NewSerial(port string, baud int, logger *slog.Logger) *Serial {
	if baud <= 0 {
		baud = 9600
	}
	return &Serial{
		port:   port,
		baud:   baud,
		logger: logger.With("component", "serial_source", "port", port),
		open: func(name string, mode *serial.Mode) (io.ReadCloser, error) {
			return serial.Open(name, mode)
		},
		Now: time.Now,
	}
}

func (s *Serial) Start(ctx context.Context, opts tracker.WatchOptions) (<-chan tracker.Observation, error) {
	port, err := s.open(s.port, &serial.Mode{BaudRate: s.baud})
	if err != nil {
		return nil, openError(s.port, err)
	}

	// Closing the port unblocks the reader when tracking stops.
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	out := make(chan tracker.Observation)
	go s.read(ctx, port, out)
	s.logger.Info("serial source started", "baud", s.baud)
	return out, nil
}

func (s *Serial) read(ctx context.Context, r io.Reader, out chan<- tracker.Observation) {
	defer close(out)

	dec := newNMEADecoder(s.Now)
	emit := func(obs []tracker.Observation) bool {
		for _, o := range obs {
			select {
			case out <- o:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	scan := bufio.NewScanner(r)
	for scan.Scan() {
		obs, err := dec.Feed(scan.Text())
		if err != nil {
			s.logger.Debug("skipping sentence", "error", err)
			continue
		}
		if !emit(obs) {
			return
		}
	}
	if err := scan.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("serial read failed", "error", err)
	}
	emit(dec.Flush())
}

func openError(name string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PermissionDenied:
			return fmt.Errorf("open %s: %w: %w", name, domain.ErrPermission, err)
		case serial.PortNotFound, serial.InvalidSerialPort, serial.FunctionNotImplemented:
			return fmt.Errorf("open %s: %w: %w", name, domain.ErrUnsupported, err)
		}
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("open %s: %w: %w", name, domain.ErrPermission, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("open %s: %w: %w", name, domain.ErrUnsupported, err)
	}
	return fmt.Errorf("open %s: %w", name, err)
}

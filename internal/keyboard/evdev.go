package keyboard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"barlink/internal/domain"
)

const (
	evKey = 0x01

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2

	keyLeftShift  = 42
	keyRightShift = 54
	keyEnter      = 28
	keyKPEnter    = 96

	// _IOW('E', 0x90, int)
	eviocgrab = 0x40044590
)

// inputEvent mirrors struct input_event on 64-bit Linux.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// EvdevSource reads a USB HID barcode scanner directly from its
// /dev/input/eventN node and forwards key presses to a dispatch func.
type EvdevSource struct {
	path string
	grab bool

	mu   sync.Mutex
	file *os.File
	done chan struct{}
}

func NewEvdevSource(path string, grab bool) *EvdevSource {
	return &EvdevSource{path: path, grab: grab}
}

// Start opens the device and pumps key events until ctx is cancelled or
// Close is called.
func (s *EvdevSource) Start(ctx context.Context, dispatch func(domain.KeyEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return errors.New("evdev source already started")
	}

	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open input device %q: %w", s.path, err)
	}
	if s.grab {
		if err := unix.IoctlSetInt(int(file.Fd()), eviocgrab, 1); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to grab input device %q: %w", s.path, err)
		}
	}

	s.file = file
	s.done = make(chan struct{})
	done := s.done

	go func() {
		defer close(done)
		if err := ReadKeyEvents(file, dispatch); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Warn("keyboard: evdev read loop ended", "device", s.path, "error", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-done:
		}
	}()

	slog.Info("keyboard: evdev source started", "device", s.path, "grab", s.grab)
	return nil
}

// Close releases the device. Safe to call more than once.
func (s *EvdevSource) Close() error {
	s.mu.Lock()
	file := s.file
	done := s.done
	s.file = nil
	s.mu.Unlock()

	if file == nil {
		return nil
	}
	if s.grab {
		_ = unix.IoctlSetInt(int(file.Fd()), eviocgrab, 0)
	}
	err := file.Close()
	<-done
	return err
}

// ReadKeyEvents decodes input_event records from r until EOF.
func ReadKeyEvents(r io.Reader, dispatch func(domain.KeyEvent)) error {
	shift := false
	for {
		var ev inputEvent
		if err := binary.Read(r, binary.LittleEndian, &ev); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if ev.Type != evKey {
			continue
		}

		if ev.Code == keyLeftShift || ev.Code == keyRightShift {
			shift = ev.Value != keyRelease
			continue
		}
		if ev.Value != keyPress && ev.Value != keyRepeat {
			continue
		}

		dispatch(domain.KeyEvent{
			Key:       KeyName(ev.Code, shift),
			Timestamp: time.Unix(ev.Sec, ev.Usec*int64(time.Microsecond)),
		})
	}
}

// KeyName maps a Linux key code to a DOM-style key name using a US layout.
func KeyName(code uint16, shift bool) string {
	if code == keyEnter || code == keyKPEnter {
		return domain.KeyEnter
	}
	if pair, ok := usLayout[code]; ok {
		if shift {
			return string(pair[1])
		}
		return string(pair[0])
	}
	return "Unidentified"
}

var usLayout = map[uint16][2]rune{
	2: {'1', '!'}, 3: {'2', '@'}, 4: {'3', '#'}, 5: {'4', '$'}, 6: {'5', '%'},
	7: {'6', '^'}, 8: {'7', '&'}, 9: {'8', '*'}, 10: {'9', '('}, 11: {'0', ')'},
	12: {'-', '_'}, 13: {'=', '+'},
	16: {'q', 'Q'}, 17: {'w', 'W'}, 18: {'e', 'E'}, 19: {'r', 'R'}, 20: {'t', 'T'},
	21: {'y', 'Y'}, 22: {'u', 'U'}, 23: {'i', 'I'}, 24: {'o', 'O'}, 25: {'p', 'P'},
	26: {'[', '{'}, 27: {']', '}'},
	30: {'a', 'A'}, 31: {'s', 'S'}, 32: {'d', 'D'}, 33: {'f', 'F'}, 34: {'g', 'G'},
	35: {'h', 'H'}, 36: {'j', 'J'}, 37: {'k', 'K'}, 38: {'l', 'L'},
	39: {';', ':'}, 40: {'\'', '"'}, 41: {'`', '~'}, 43: {'\\', '|'},
	44: {'z', 'Z'}, 45: {'x', 'X'}, 46: {'c', 'C'}, 47: {'v', 'V'}, 48: {'b', 'B'},
	49: {'n', 'N'}, 50: {'m', 'M'},
	51: {',', '<'}, 52: {'.', '>'}, 53: {'/', '?'}, 57: {' ', ' '},
	55: {'*', '*'}, 74: {'-', '-'}, 78: {'+', '+'}, 83: {'.', '.'},
	71: {'7', '7'}, 72: {'8', '8'}, 73: {'9', '9'},
	75: {'4', '4'}, 76: {'5', '5'}, 77: {'6', '6'},
	79: {'1', '1'}, 80: {'2', '2'}, 81: {'3', '3'}, 82: {'0', '0'},
}

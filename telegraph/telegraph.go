/*Package telegraph reads out-of-band device-parameter updates from
laboratory amplifiers and feeds them into a device's parameter history.

Amplifiers report gain and operating-mode changes on a side channel
("telegraph") rather than in the sampled data.  The wire format here is a
small framed message: a start byte, an escaped payload, a CRC-CCITT
(XMODEM) trailer, and an end byte.  A Listener owns the connection
(serial or TCP), decodes frames as they arrive, and hands each snapshot
to its sink; connection failures are retried with exponential backoff.
*/
package telegraph

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/snksoft/crc"
	"github.com/tarm/serial"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/device"
)

const (
	// frameStart is the start of frame byte
	frameStart = 0x02

	// frameEnd is the end of frame byte
	frameEnd = 0x03

	// escape marks a shifted special character in the payload
	escape = 0x5E

	// escapeShift is the amount special characters are shifted up by;
	// specials max out well below overflow
	escapeShift = 0x40
)

var (
	// ErrCRCMismatch is generated when a frame's trailer does not match
	// its payload
	ErrCRCMismatch = errors.New("telegraph frame CRC mismatch")

	// ErrShortFrame is generated when a frame is too short to carry a
	// payload and CRC
	ErrShortFrame = errors.New("telegraph frame too short")

	// ErrBadMode is generated when a frame carries an unknown operating
	// mode code
	ErrBadMode = errors.New("unknown operating mode code")

	// specials are the bytes that may not appear raw inside a payload
	specials = []byte{frameStart, frameEnd, escape}

	crcTable = crc.NewTable(crc.XMODEM)

	// dataOrder is the payload byte order
	dataOrder = binary.LittleEndian

	// modeCodes maps wire codes to operating mode names
	modeCodes = map[byte]string{
		0: "VClamp",
		1: "I0",
		2: "IClamp",
	}

	// modeNames is the reverse of modeCodes
	modeNames = map[string]byte{
		"VClamp": 0,
		"I0":     1,
		"IClamp": 2,
	}
)

// Message is one decoded telegraph update
type Message struct {
	// OperatingMode is the amplifier's mode, e.g. "VClamp"
	OperatingMode string

	// Gain is the amplification factor now in effect
	Gain float64

	// ExternalCommandSensitivity scales command voltages into the
	// instrument's input quantity
	ExternalCommandSensitivity float64
}

// Encode produces the wire form of a message: framed, escaped, with a
// CRC trailer.  The payload is [MODE][GAIN f64][SENS f64] little-endian.
func (m Message) Encode() ([]byte, error) {
	code, ok := modeNames[m.OperatingMode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadMode, m.OperatingMode)
	}
	payload := make([]byte, 17)
	payload[0] = code
	dataOrder.PutUint64(payload[1:9], math.Float64bits(m.Gain))
	dataOrder.PutUint64(payload[9:17], math.Float64bits(m.ExternalCommandSensitivity))

	crcBytes := crcHelper(payload)

	var out []byte
	out = append(out, frameStart)
	out = append(out, sanitize(payload)...)
	out = append(out, sanitize(crcBytes)...)
	out = append(out, frameEnd)
	return out, nil
}

// Decode parses the body of one frame (everything between the start and
// end bytes), verifying the CRC trailer
func Decode(body []byte) (Message, error) {
	raw := reverseSanitize(body)
	if len(raw) < 19 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	payload, trailer := raw[:len(raw)-2], raw[len(raw)-2:]
	if !bytes.Equal(crcHelper(payload), trailer) {
		return Message{}, ErrCRCMismatch
	}
	mode, ok := modeCodes[payload[0]]
	if !ok {
		return Message{}, fmt.Errorf("%w: %d", ErrBadMode, payload[0])
	}
	return Message{
		OperatingMode:              mode,
		Gain:                       math.Float64frombits(dataOrder.Uint64(payload[1:9])),
		ExternalCommandSensitivity: math.Float64frombits(dataOrder.Uint64(payload[9:17])),
	}, nil
}

// sanitize escapes special characters so they never appear raw inside a
// frame body
func sanitize(data []byte) []byte {
	var out []byte
	for _, b := range data {
		if bytes.Contains(specials, []byte{b}) {
			out = append(out, escape, b+escapeShift)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func reverseSanitize(data []byte) []byte {
	var out []byte
	subNext := false
	for _, b := range data {
		if b == escape && !subNext {
			subNext = true
			continue
		}
		if subNext {
			b -= escapeShift
			subNext = false
		}
		out = append(out, b)
	}
	return out
}

// crcHelper computes the two-byte CRC trailer in one line
func crcHelper(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	crcBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBytes, crcTable.CRC16(crcUint))
	return crcBytes
}

// Listener owns a telegraph connection and feeds decoded snapshots into
// a parameter history
type Listener struct {
	// Addr is the remote address: a serial device path when Serial is
	// true, otherwise host:port
	Addr string

	// Serial selects a serial connection over TCP
	Serial bool

	// Baud is the serial baud rate; ignored for TCP
	Baud int

	clk  clock.Clock
	sink *device.ParameterHistory

	mu     sync.Mutex
	conn   io.ReadCloser
	closed bool
}

// NewListener builds a listener feeding the given history.  Call Run to
// start it.
func NewListener(addr string, serialConn bool, baud int, clk clock.Clock, sink *device.ParameterHistory) *Listener {
	return &Listener{Addr: addr, Serial: serialConn, Baud: baud, clk: clk, sink: sink}
}

// Run connects and decodes frames until Close is called.  Connection
// failures and read errors reconnect with exponential backoff; decode
// failures drop the frame and keep reading.
func (l *Listener) Run() error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until Close
	return backoff.Retry(func() error {
		if l.isClosed() {
			return nil
		}
		if err := l.open(); err != nil {
			return err
		}
		err := l.readFrames()
		if l.isClosed() {
			return nil
		}
		return err
	}, bo)
}

// Close shuts the listener down; Run returns after the current read
// fails
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) open() error {
	var (
		conn io.ReadCloser
		err  error
	)
	if l.Serial {
		conn, err = serial.OpenPort(&serial.Config{Name: l.Addr, Baud: l.Baud, ReadTimeout: time.Second})
	} else {
		conn, err = net.Dial("tcp", l.Addr)
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

func (l *Listener) readFrames() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	r := bufio.NewReader(conn)
	for {
		if _, err := r.ReadBytes(frameStart); err != nil {
			return err
		}
		body, err := r.ReadBytes(frameEnd)
		if err != nil {
			return err
		}
		msg, err := Decode(body[:len(body)-1])
		if err != nil {
			// a corrupt frame is not worth the connection
			continue
		}
		l.sink.Record(device.ParameterSnapshot{
			Time:                       l.clk.Now(),
			OperatingMode:              msg.OperatingMode,
			Gain:                       msg.Gain,
			ExternalCommandSensitivity: msg.ExternalCommandSensitivity,
		})
	}
}

// Package epd drives Pervasive Displays COG gen-2 e-paper panels over SPI
// plus five discrete control lines (panel-on, border, discharge, reset, busy).
//
// A full update is Begin, then Image or Clear, then End. Begin runs the
// charge-pump power-up state machine, Image runs the three-stage
// erase/flicker/write sequence the display film requires, End discharges the
// panel. Protocol faults latch in the handle's Status and the panel is
// powered off before the call returns.
package epd

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Size selects the panel geometry.
type Size int

const (
	Size1_44 Size = iota // 128x96
	Size2_0              // 200x96
	Size2_7              // 264x176
)

var sizeNames = map[string]Size{
	"1.44": Size1_44,
	"2.0":  Size2_0,
	"2.7":  Size2_7,
}

// SupportedSizes returns the panel size tags accepted by SizeFromString.
func SupportedSizes() []string {
	retval := make([]string, 0, len(sizeNames))
	for k := range sizeNames {
		retval = append(retval, k)
	}
	return retval
}

// SizeFromString maps a size tag like "2.7" to its Size.
func SizeFromString(name string) (Size, error) {
	for k, v := range sizeNames {
		if k == name {
			return v, nil
		}
	}
	return Size1_44, fmt.Errorf("epd: unknown panel size %q", name)
}

func (s Size) String() string {
	for k, v := range sizeNames {
		if v == s {
			return k
		}
	}
	return "1.44"
}

// Status is the latched panel state. Once non-OK it stays latched until the
// next Begin; Clear and Image skip the hardware in between, End still runs
// its shutdown sequence.
type Status int

const (
	StatusOK Status = iota
	StatusUnsupportedCOG
	StatusPanelBroken
	StatusDCFailed
)

var (
	ErrUnsupportedCOG = errors.New("epd: unsupported COG generation")
	ErrPanelBroken    = errors.New("epd: panel is damaged")
	ErrDCFailed       = errors.New("epd: charge pump failed to start")
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupportedCOG:
		return "unsupported COG"
	case StatusPanelBroken:
		return "panel broken"
	case StatusDCFailed:
		return "DC/DC failed"
	}
	return "unknown"
}

// Err returns the error corresponding to a latched status, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusUnsupportedCOG:
		return ErrUnsupportedCOG
	case StatusPanelBroken:
		return ErrPanelBroken
	case StatusDCFailed:
		return ErrDCFailed
	}
	return nil
}

// stage names the pixel recoding applied while driving a frame.
type stage int

const (
	stageInverse stage = iota // B -> W, W -> B (erase pass)
	stageNormal               // B -> B, W -> W (write pass)
)

// compensation holds the per-stage timing parameters for one temperature
// band. The repeat counts and the step/block overlap pattern come from the
// G2 COG timing tables; warmer panels need fewer passes.
type compensation struct {
	stage1Repeat uint16
	stage1Step   uint16
	stage1Block  uint16
	stage2Repeat uint16
	stage2T1     uint16 // ms
	stage2T2     uint16 // ms
	stage3Repeat uint16
	stage3Step   uint16
	stage3Block  uint16
}

func (c *compensation) stageParams(st stage) (repeat, step, block int) {
	if st == stageInverse {
		return int(c.stage1Repeat), int(c.stage1Step), int(c.stage1Block)
	}
	return int(c.stage3Repeat), int(c.stage3Step), int(c.stage3Block)
}

var compensation144 = [3]compensation{
	{2, 6, 42, 4, 392, 392, 2, 6, 42}, //  0 .. 10 Celsius
	{4, 2, 16, 4, 155, 155, 4, 2, 16}, // 10 .. 40 Celsius
	{4, 2, 16, 4, 155, 155, 4, 2, 16}, // 40 .. 50 Celsius
}

var compensation200 = [3]compensation{
	{2, 6, 42, 4, 392, 392, 2, 6, 42},
	{2, 2, 48, 4, 196, 196, 2, 2, 48},
	{4, 2, 48, 4, 196, 196, 4, 2, 48},
}

var compensation270 = [3]compensation{
	{2, 8, 64, 4, 392, 392, 2, 8, 64},
	{2, 8, 64, 4, 196, 196, 2, 8, 64},
	{4, 8, 64, 4, 196, 196, 4, 8, 64},
}

// Channel select programs which source-driver channels are active. One
// sequence per panel size, sent verbatim to register 0x01 (the leading 0x72
// is the data frame marker).
var (
	channelSelect144 = []byte{0x72, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0f, 0xff, 0x00}
	channelSelect200 = []byte{0x72, 0x00, 0x00, 0x00, 0x00, 0x01, 0xff, 0xe0, 0x00}
	channelSelect270 = []byte{0x72, 0x00, 0x00, 0x00, 0x7f, 0xff, 0xfe, 0x00, 0x00}
)

// EPD is an open handle to one panel. It owns its line buffer and stage
// timer; the bus and pins are shared with the caller. Not safe for
// concurrent use.
type EPD struct {
	panelOn   gpio.PinOut
	border    gpio.PinOut
	discharge gpio.PinOut
	reset     gpio.PinOut
	busy      gpio.PinIO

	size            Size
	linesPerDisplay int
	dotsPerLine     int
	bytesPerLine    int
	bytesPerScan    int

	status Status

	channelSelect []byte
	comp          *compensation

	lineBuffer []byte
	timer      *stageTimer
	bus        Bus

	sleep func(time.Duration)
}

// New opens the SPI port and returns a handle for the given panel size.
func New(size Size, p spi.Port, panelOn, border, discharge, reset gpio.PinOut, busy gpio.PinIO) (*EPD, error) {
	bus, err := NewSPIBus(p)
	if err != nil {
		return nil, err
	}
	return NewFromBus(size, bus, panelOn, border, discharge, reset, busy)
}

// NewFromBus returns a handle driving the given bus. The control pins are
// switched to their idle directions here; unknown sizes fall back to 1.44".
func NewFromBus(size Size, bus Bus, panelOn, border, discharge, reset gpio.PinOut, busy gpio.PinIO) (*EPD, error) {
	e := &EPD{
		panelOn:   panelOn,
		border:    border,
		discharge: discharge,
		reset:     reset,
		busy:      busy,

		size:  size,
		bus:   bus,
		timer: &stageTimer{},
		sleep: time.Sleep,
	}

	switch size {
	case Size2_0:
		e.linesPerDisplay = 96
		e.dotsPerLine = 200
		e.channelSelect = channelSelect200
	case Size2_7:
		e.linesPerDisplay = 176
		e.dotsPerLine = 264
		e.channelSelect = channelSelect270
	default:
		e.size = Size1_44
		e.linesPerDisplay = 96
		e.dotsPerLine = 128
		e.channelSelect = channelSelect144
	}
	e.bytesPerLine = e.dotsPerLine / 8
	e.bytesPerScan = e.linesPerDisplay / 4

	e.SetTemperature(25)

	// line buffer: command byte, border byte and filler byte on top of the
	// pixel and scan data
	e.lineBuffer = make([]byte, 0, 2*e.bytesPerLine+e.bytesPerScan+3)

	for _, p := range []gpio.PinOut{panelOn, border, discharge, reset} {
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("epd: control pin setup: %w", err)
		}
	}
	if err := busy.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("epd: busy pin setup: %w", err)
	}

	return e, nil
}

// Close releases the line buffer and timer. Safe on nil.
func (e *EPD) Close() error {
	if e == nil {
		return nil
	}
	e.lineBuffer = nil
	e.timer = nil
	return nil
}

// Status returns the latched error state.
func (e *EPD) Status() Status {
	return e.status
}

// SetTemperature selects the compensation band for the ambient temperature
// in Celsius. Valid in any state; only the timing tables change.
func (e *EPD) SetTemperature(temperature int) {
	band := 1
	if temperature < 10 {
		band = 0
	} else if temperature > 40 {
		band = 2
	}
	switch e.size {
	case Size2_0:
		e.comp = &compensation200[band]
	case Size2_7:
		e.comp = &compensation270[band]
	default:
		e.comp = &compensation144[band]
	}
}

// Lines returns the number of scan lines of the panel.
func (e *EPD) Lines() int {
	return e.linesPerDisplay
}

// Dots returns the number of dots per line.
func (e *EPD) Dots() int {
	return e.dotsPerLine
}

// BytesPerLine returns the packed row stride of an image buffer.
func (e *EPD) BytesPerLine() int {
	return e.bytesPerLine
}

// stageTimer bounds the stage-2 busy loop. The deadline is taken from the
// monotonic clock; remaining splits what is left into whole seconds and the
// sub-second remainder, matching the kernel timer the sequence was tuned
// against.
type stageTimer struct {
	deadline time.Time
}

func (t *stageTimer) arm(d time.Duration) {
	t.deadline = time.Now().Add(d)
}

func (t *stageTimer) remaining() (sec, nsec int64) {
	d := time.Until(t.deadline)
	if d < 0 {
		return 0, 0
	}
	return int64(d / time.Second), int64(d % time.Second)
}

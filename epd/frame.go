package epd

import (
	"fmt"
	"time"
)

// dummyLine is the sentinel row address. No scan selector bit matches it, so
// the COG discards the frame while still consuming one frame time of SPI.
const dummyLine = 0x7fff

// Clear drives the whole panel to white: inverse fill with 0xff, the flicker
// stage, then a normal fill with 0xaa.
func (e *EPD) Clear() error {
	if err := e.status.Err(); err != nil {
		return err
	}
	if err := e.frameFixed13(0xff, stageInverse); err != nil {
		return err
	}
	if err := e.frameStage2(); err != nil {
		return err
	}
	return e.frameFixed13(0xaa, stageNormal)
}

// Image changes the panel from the old image to the new one. The buffer is
// one row per line, row-major, MSB first, Lines()*BytesPerLine() bytes; bit
// ordering and inversion are the caller's business (see ReverseBits and
// InvertBits).
func (e *EPD) Image(image []byte) error {
	if err := e.status.Err(); err != nil {
		return err
	}
	if want := e.linesPerDisplay * e.bytesPerLine; len(image) != want {
		return fmt.Errorf("epd: image buffer is %d bytes, want %d", len(image), want)
	}
	if err := e.frameData13(image, stageInverse); err != nil {
		return err
	}
	if err := e.frameStage2(); err != nil {
		return err
	}
	return e.frameData13(image, stageNormal)
}

// frameFixed13 runs stage 1 or stage 3 with a fixed pixel value. Lines are
// driven in overlapping windows of block rows advancing by step, so each row
// is hit block/step times per repeat; the windows run past both edges of the
// panel with dummy lines keeping the cadence. The final repeat blanks the
// leading row of every window to null residual ghosting.
func (e *EPD) frameFixed13(value byte, st stage) error {
	repeat, step, block := e.comp.stageParams(st)
	totalLines := e.linesPerDisplay

	for n := 0; n < repeat; n++ {
		for line := step - block; line < totalLines+step; line += step {
			for offset := 0; offset < block; offset++ {
				pos := line + offset
				var err error
				switch {
				case pos < 0 || pos > totalLines:
					err = e.oneLine(dummyLine, nil, 0x00, stageNormal, 0x00)
				case offset == 0 && n == repeat-1:
					err = e.oneLine(pos, nil, 0x00, stageNormal, 0x00)
				default:
					err = e.oneLine(pos, nil, value, st, 0x00)
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// frameData13 is frameFixed13 with image rows instead of a fixed value.
func (e *EPD) frameData13(image []byte, st stage) error {
	repeat, step, block := e.comp.stageParams(st)
	totalLines := e.linesPerDisplay

	for n := 0; n < repeat; n++ {
		for line := step - block; line < totalLines+step; line += step {
			for offset := 0; offset < block; offset++ {
				pos := line + offset
				var err error
				switch {
				case pos < 0 || pos > totalLines:
					err = e.oneLine(dummyLine, nil, 0x00, stageNormal, 0x00)
				case offset == 0 && n == repeat-1:
					err = e.oneLine(pos, nil, 0x00, stageNormal, 0x00)
				default:
					// the window bound lets pos == lines through; there is
					// no row for it, so it goes out with zero data
					var row []byte
					if pos < totalLines {
						row = image[pos*e.bytesPerLine : (pos+1)*e.bytesPerLine]
					}
					err = e.oneLine(pos, row, 0x00, st, 0x00)
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// frameStage2 is the flicker stage: alternating full-frame black (0xff) and
// white (0xaa) fills, each bounded by a compensation interval.
func (e *EPD) frameStage2() error {
	for i := 0; i < int(e.comp.stage2Repeat); i++ {
		if err := e.frameFixedTimed(0xff, time.Duration(e.comp.stage2T1)*time.Millisecond); err != nil {
			return err
		}
		if err := e.frameFixedTimed(0xaa, time.Duration(e.comp.stage2T2)*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// frameFixedTimed pushes full frames of a fixed value until the armed
// interval runs out, checking only between frames. The loop continues while
// both the whole-second and sub-second parts of the remaining time are
// positive, so intervals under a second cover exactly one frame.
func (e *EPD) frameFixedTimed(fixedValue byte, stageTime time.Duration) error {
	e.timer.arm(stageTime)
	for {
		for line := 0; line < e.linesPerDisplay; line++ {
			if err := e.oneLine(line, nil, fixedValue, stageNormal, 0x00); err != nil {
				return err
			}
		}
		if sec, nsec := e.timer.remaining(); sec <= 0 || nsec <= 0 {
			return nil
		}
	}
}

// oneLine builds and ships the SPI frame for one scan line: the 0x72 data
// marker, the border byte, odd pixels in reverse byte order, the scan
// selector naming the driven row, then even pixels with their dot pairs
// mirrored to match the panel's even-source scan direction. Each line is a
// complete SPI session bracketed by the 0x0a prepare command and the 0x02
// output-enable trailer.
func (e *EPD) oneLine(line int, data []byte, fixedValue byte, st stage, borderByte byte) error {
	eh := errorHandler{e: e}

	eh.busOn()

	// set charge pump data destination
	eh.send(0x70, 0x0a)

	// the COG needs this gap before the data frame
	eh.sleep(10 * time.Microsecond)

	p := e.lineBuffer[:0]
	p = append(p, 0x72, borderByte)

	// odd pixels
	for b := e.bytesPerLine; b > 0; b-- {
		if data != nil {
			pixels := data[b-1] & 0x55
			switch st {
			case stageInverse:
				pixels = 0xaa | (pixels ^ 0x55)
			case stageNormal:
				pixels = 0xaa | pixels
			}
			p = append(p, pixels)
		} else {
			p = append(p, fixedValue)
		}
	}

	// scan line
	scanPos := (e.linesPerDisplay - line - 1) / 4
	scanShift := uint(2 * (line & 0x03))
	for b := 0; b < e.bytesPerScan; b++ {
		if b == scanPos {
			p = append(p, 0x03<<scanShift)
		} else {
			p = append(p, 0x00)
		}
	}

	// even pixels
	for b := 0; b < e.bytesPerLine; b++ {
		if data != nil {
			pixels := data[b] & 0xaa
			switch st {
			case stageInverse:
				pixels = 0xaa | ((pixels ^ 0xaa) >> 1)
			case stageNormal:
				pixels = 0xaa | (pixels >> 1)
			}
			p1 := (pixels >> 6) & 0x03
			p2 := (pixels >> 4) & 0x03
			p3 := (pixels >> 2) & 0x03
			p4 := (pixels >> 0) & 0x03
			p = append(p, p1<<0|p2<<2|p3<<4|p4<<6)
		} else {
			p = append(p, fixedValue)
		}
	}

	// ship the accumulated line
	eh.sendBytes(p)

	// output data to panel
	eh.send(0x70, 0x02)
	eh.send(0x72, 0x2f)

	eh.busOff()
	return eh.err
}

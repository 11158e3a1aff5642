package epd

import (
	"image"
	"image/draw"

	"github.com/MaxHalford/halfgone"
	"github.com/disintegration/imaging"
	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// Bounds returns the panel rectangle, dots wide by lines high.
func (e *EPD) Bounds() image.Rectangle {
	return image.Rect(0, 0, e.dotsPerLine, e.linesPerDisplay)
}

// Convert renders img into a packed bitmap the panel accepts: scaled to fit,
// Floyd-Steinberg dithered, one bit per dot MSB first, set bits are black.
func (e *EPD) Convert(img image.Image) []byte {
	bounds := e.Bounds()
	gray := image.NewGray(bounds)
	if img.Bounds() != bounds {
		scaled := imaging.Fit(img, e.dotsPerLine, e.linesPerDisplay, imaging.Lanczos)
		draw.Draw(gray, bounds, scaled, image.Point{}, draw.Src)
	} else {
		draw.Draw(gray, bounds, img, image.Point{}, draw.Src)
	}

	bw := image1bit.NewVerticalLSB(bounds)
	draw.Draw(bw, bounds, halfgone.FloydSteinbergDitherer{}.Apply(gray), image.Point{}, draw.Src)

	buf := make([]byte, e.linesPerDisplay*e.bytesPerLine)
	for y := 0; y < e.linesPerDisplay; y++ {
		for x := 0; x < e.dotsPerLine; x++ {
			if bw.BitAt(x, y) == image1bit.Off {
				buf[y*e.bytesPerLine+x/8] |= 0x80 >> (x % 8)
			}
		}
	}
	return buf
}

// DisplayImage converts img and drives the panel with it.
func (e *EPD) DisplayImage(img image.Image) error {
	return e.Image(e.Convert(img))
}

var reverseTable [256]byte

func init() {
	for i := range reverseTable {
		b := byte(i)
		b = b>>4 | b<<4
		b = b>>2&0x33 | b<<2&0xcc
		b = b>>1&0x55 | b<<1&0xaa
		reverseTable[i] = b
	}
}

// ReverseBits flips the bit order of every byte in buf in place, for callers
// whose bitmaps arrive LSB first.
func ReverseBits(buf []byte) {
	for i, b := range buf {
		buf[i] = reverseTable[b]
	}
}

// InvertBits inverts every byte in buf in place, for callers whose bitmaps
// use 0 for black.
func InvertBits(buf []byte) {
	for i, b := range buf {
		buf[i] = b ^ 0xff
	}
}

package epd

import (
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Bus is the half-duplex command/data link to the COG controller. On and Off
// bracket each line write, and each power-up or power-down register script,
// so other users of the bus can run between lines. Read shifts w out while filling r; the COG answers in
// the second byte.
type Bus interface {
	On() error
	Off() error
	Send(data []byte) error
	Read(w, r []byte) error
}

// spiBus drives the COG through a periph SPI connection. The kernel frames
// every transfer with chip select, so On and Off carry no bus traffic of
// their own.
type spiBus struct {
	c conn.Conn
}

// NewSPIBus connects the port at the COG's maximum rate (Mode 0, 8 bits).
func NewSPIBus(p spi.Port) (Bus, error) {
	c, err := p.Connect(12*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, err
	}
	return &spiBus{c: c}, nil
}

func (b *spiBus) On() error {
	return nil
}

func (b *spiBus) Off() error {
	return nil
}

func (b *spiBus) Send(data []byte) error {
	return b.c.Tx(data, nil)
}

func (b *spiBus) Read(w, r []byte) error {
	return b.c.Tx(w, r)
}

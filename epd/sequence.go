package epd

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

// errorHandler collects the first transport error of a pin/SPI sequence so
// the long register scripts below stay readable. After a failure all further
// steps are skipped.
type errorHandler struct {
	e   *EPD
	err error
}

func (eh *errorHandler) pinOut(p gpio.PinOut, l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = p.Out(l)
}

func (eh *errorHandler) busOn() {
	if eh.err != nil {
		return
	}
	eh.err = eh.e.bus.On()
}

func (eh *errorHandler) busOff() {
	if eh.err != nil {
		return
	}
	eh.err = eh.e.bus.Off()
}

func (eh *errorHandler) send(data ...byte) {
	if eh.err != nil {
		return
	}
	eh.err = eh.e.bus.Send(data)
}

func (eh *errorHandler) sendBytes(data []byte) {
	if eh.err != nil {
		return
	}
	eh.err = eh.e.bus.Send(data)
}

func (eh *errorHandler) read(w, r []byte) {
	if eh.err != nil {
		return
	}
	eh.err = eh.e.bus.Read(w, r)
}

func (eh *errorHandler) sleep(d time.Duration) {
	if eh.err != nil {
		return
	}
	eh.e.sleep(d)
}

// Begin powers the panel from cold to ready: pin bring-up, COG ID probe,
// breakage check, register programming, then the DC/DC charge pumps with up
// to four attempts. On any protocol fault the status latches, the panel is
// powered off and the matching error is returned.
func (e *EPD) Begin() error {
	e.status = StatusOK

	eh := errorHandler{e: e}

	// power up sequence
	eh.pinOut(e.reset, gpio.Low)
	eh.pinOut(e.panelOn, gpio.Low)
	eh.pinOut(e.discharge, gpio.Low)
	eh.pinOut(e.border, gpio.Low)

	eh.busOn()

	eh.sleep(5 * time.Millisecond)
	eh.pinOut(e.panelOn, gpio.High)
	eh.sleep(10 * time.Millisecond)

	eh.pinOut(e.reset, gpio.High)
	eh.pinOut(e.border, gpio.High)
	eh.sleep(5 * time.Millisecond)

	eh.pinOut(e.reset, gpio.Low)
	eh.sleep(5 * time.Millisecond)

	eh.pinOut(e.reset, gpio.High)
	eh.sleep(5 * time.Millisecond)

	// wait for COG to become ready
	for eh.err == nil && e.busy.Read() == gpio.High {
		e.sleep(10 * time.Microsecond)
	}

	// read the COG ID; the generation lives in the low nibble of the second
	// byte of the second reply
	var rx [2]byte
	eh.read([]byte{0x71, 0x00}, rx[:])
	eh.read([]byte{0x71, 0x00}, rx[:])
	if eh.err == nil && rx[1]&0x0f != 0x02 {
		e.status = StatusUnsupportedCOG
		e.powerOff()
		return ErrUnsupportedCOG
	}

	// disable OE
	eh.send(0x70, 0x02)
	eh.send(0x72, 0x40)

	// check breakage
	eh.send(0x70, 0x0f)
	eh.read([]byte{0x73, 0x00}, rx[:])
	if eh.err == nil && rx[1]&0x80 == 0 {
		e.status = StatusPanelBroken
		e.powerOff()
		return ErrPanelBroken
	}

	// power saving mode
	eh.send(0x70, 0x0b)
	eh.send(0x72, 0x02)

	// channel select
	eh.send(0x70, 0x01)
	eh.sendBytes(e.channelSelect)

	// high power mode osc
	eh.send(0x70, 0x07)
	eh.send(0x72, 0xd1)

	// power setting
	eh.send(0x70, 0x08)
	eh.send(0x72, 0x02)

	// Vcom level
	eh.send(0x70, 0x09)
	eh.send(0x72, 0xc2)

	// power setting
	eh.send(0x70, 0x04)
	eh.send(0x72, 0x03)

	// driver latch on
	eh.send(0x70, 0x03)
	eh.send(0x72, 0x01)

	// driver latch off
	eh.send(0x70, 0x03)
	eh.send(0x72, 0x00)

	eh.sleep(5 * time.Millisecond)

	dcOK := false
	for i := 0; i < 4 && eh.err == nil; i++ {
		// charge pump positive voltage on - VGH/VDL on
		eh.send(0x70, 0x05)
		eh.send(0x72, 0x01)
		eh.sleep(240 * time.Millisecond)

		// charge pump negative voltage on - VGL/VDL on
		eh.send(0x70, 0x05)
		eh.send(0x72, 0x03)
		eh.sleep(40 * time.Millisecond)

		// charge pump Vcom on - Vcom driver on
		eh.send(0x70, 0x05)
		eh.send(0x72, 0x0f)
		eh.sleep(40 * time.Millisecond)

		// check DC/DC
		eh.send(0x70, 0x0f)
		eh.read([]byte{0x73, 0x00}, rx[:])
		if eh.err == nil && rx[1]&0x40 != 0 {
			dcOK = true
			break
		}
	}
	if eh.err == nil && !dcOK {
		e.status = StatusDCFailed
		e.powerOff()
		return ErrDCFailed
	}

	// output enable to disable
	eh.send(0x70, 0x02)
	eh.send(0x72, 0x40)

	eh.busOff()
	return eh.err
}

// End runs the safe shutdown: the end-of-frame border sequence, a final
// DC/DC check, the charge pump power-down script and the discharge cycle.
// It always leaves the panel discharged, even on a latched error.
func (e *EPD) End() error {
	eh := errorHandler{e: e}

	if e.size == Size2_7 {
		// only the 2.70" panel uses the border pin directly
		eh.sleep(25 * time.Millisecond)
		eh.pinOut(e.border, gpio.Low)
		eh.sleep(250 * time.Millisecond)
		eh.pinOut(e.border, gpio.High)
	} else {
		// dummy lines walk the border through white, grey, off
		if err := e.oneLine(dummyLine, nil, 0x00, stageNormal, 0xff); err != nil {
			e.powerOff()
			return err
		}
		e.sleep(40 * time.Millisecond)
		if err := e.oneLine(dummyLine, nil, 0x00, stageNormal, 0xaa); err != nil {
			e.powerOff()
			return err
		}
		e.sleep(200 * time.Millisecond)
		if err := e.oneLine(dummyLine, nil, 0x00, stageNormal, 0x00); err != nil {
			e.powerOff()
			return err
		}
		e.sleep(25 * time.Millisecond)
	}

	eh.busOn()

	// check DC/DC held up through the update
	var rx [2]byte
	eh.send(0x70, 0x0f)
	eh.read([]byte{0x73, 0x00}, rx[:])
	if eh.err == nil && rx[1]&0x40 == 0 {
		e.status = StatusDCFailed
		e.powerOff()
		return ErrDCFailed
	}

	// latch reset turn on
	eh.send(0x70, 0x03)
	eh.send(0x72, 0x01)

	// output enable off
	eh.send(0x70, 0x02)
	eh.send(0x72, 0x05)

	// power off positive charge pump
	eh.send(0x70, 0x05)
	eh.send(0x72, 0x0e)

	// power off Vcom charge pump
	eh.send(0x70, 0x05)
	eh.send(0x72, 0x02)

	// power off all charge pumps
	eh.send(0x70, 0x05)
	eh.send(0x72, 0x00)

	// turn off osc
	eh.send(0x70, 0x07)
	eh.send(0x72, 0x0d)

	// discharge internal on
	eh.send(0x70, 0x04)
	eh.send(0x72, 0x83)

	eh.sleep(120 * time.Millisecond)

	// discharge internal off
	eh.send(0x70, 0x04)
	eh.send(0x72, 0x00)

	e.powerOff()
	return eh.err
}

// powerOff drops all control signals and bleeds residual charge off the
// panel with ten discharge pulses. Skipping the pulses degrades the film
// over time, so every exit path ends here.
func (e *EPD) powerOff() {
	eh := errorHandler{e: e}

	// turn off power and all signals
	eh.pinOut(e.reset, gpio.Low)
	eh.pinOut(e.panelOn, gpio.Low)
	eh.pinOut(e.border, gpio.Low)

	// ensure SPI MOSI and CLOCK are low before CS goes low
	eh.busOff()

	// pulse discharge pin
	for i := 0; i < 10; i++ {
		eh.sleep(10 * time.Millisecond)
		eh.pinOut(e.discharge, gpio.High)
		eh.sleep(10 * time.Millisecond)
		eh.pinOut(e.discharge, gpio.Low)
	}
}

// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// BitsOnly sends every byte as eight bit time slots. Some serial drivers
	// lose data when the chip streams in data mode.
	BitsOnly bool
	// MaxBaud caps the serial rate used when streaming at overdrive speed.
	MaxBaud int

	StreamResets bool // let a reset share a packet with the operations after it
	StreamBytes  bool // stream consecutive data bytes into one packet
	StreamBits   bool // stream consecutive bit operations into one packet

	// Logger receives packet traces at debug level and adapter recovery
	// events. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	MaxBaud:     115200,
	StreamBytes: true,
	StreamBits:  true,
}

// New returns a device object that communicates over a serial port to the
// DS2480B line driver.
//
// p must transmit its write buffer and then read exactly len(r) bytes. If p
// also has the methods SetBaud(int) error, Flush() error, Break(time.Duration)
// error, SetDTR(bool) error and SetRTS(bool) error, they are used to switch
// serial rates, drop stale input, reset the chip and cut its power. The port
// must initially run at 9600 8N1.
//
// This device object implements onewire.Bus and can be used to access devices
// on the bus.
func New(p conn.Conn, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{
		port: p,
		opts: *opts,
		ls:   NewLinkState(),
		ns:   NewNetworkState(),
		baud: 9600,
	}
	if d.opts.MaxBaud < 9600 {
		d.opts.MaxBaud = 9600
	}
	d.log = d.opts.Logger
	if d.log == nil {
		d.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d.b = NewPacketBuilder(d.ls)
	d.b.Trace = d.trace
	if err := d.detect(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a DS2480B and it implements the onewire.Bus interface.
//
// Dev does not use a persistent error model: when the chip stops answering
// as expected the adapter is marked absent and the next operation runs the
// detection sequence again, resetting the chip.
//
// Errors on the 1-wire bus itself implement onewire.BusError.
type Dev struct {
	sync.Mutex               // lock for the bus while a transaction is in progress
	port       conn.Conn     // serial port to the chip
	opts       Opts          // options as passed to New
	log        *slog.Logger  // never nil
	ls         *LinkState    // chip session state
	ns         *NetworkState // 1-wire network state
	b          *PacketBuilder
	baud       int  // serial rate currently in use
	present    bool // the chip passed verification since the last failure
}

func (d *Dev) String() string {
	return fmt.Sprintf("DS2480B{%s}", d.port)
}

// Halt implements conn.Resource.
//
// It ends any power delivery in progress.
func (d *Dev) Halt() error {
	d.Lock()
	defer d.Unlock()
	if d.ns.Level != LevelPowerDelivery {
		return nil
	}
	return d.powerNormal()
}

// Close closes the serial port if it can be closed.
func (d *Dev) Close() error {
	d.Lock()
	defer d.Unlock()
	if c, ok := d.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Tx performs a bus transaction, sending and receiving bytes, and ending by
// pulling the bus high either weakly or strongly depending on the value of
// power.
//
// The whole transaction, reset included, is sent as one stream. The strong
// pull-up stays on until the next operation on the bus, or Halt.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.setStreamingSpeed(OperationByte); err != nil {
		return err
	}

	buf := make([]byte, len(w)+len(r))
	copy(buf, w)
	for i := len(w); i < len(buf); i++ {
		buf[i] = 0xFF
	}

	resetOff := d.b.Reset()
	primed := power == onewire.StrongPullup && len(buf) != 0
	data := buf
	primedOff := 0
	if primed {
		data = buf[:len(buf)-1]
	}
	dataOff := d.b.DataBytes(data)
	if primed {
		primedOff = d.b.PrimedDataByte(buf[len(buf)-1])
	}
	reply, err := d.transact()
	if err != nil {
		return err
	}
	if primed {
		d.ns.Level = LevelPowerDelivery
	}
	switch d.b.InterpretReset(reply[resetOff]) {
	case ResetShort:
		return shortedBusError("ds2480b: bus has a short")
	case ResetNoPresence:
		return noDevicesError("ds2480b: no device present")
	}
	d.b.InterpretDataBytes(reply, dataOff, data)
	if primed {
		buf[len(buf)-1] = d.b.InterpretPrimedByte(reply, primedOff)
	}
	copy(r, buf[len(w):])
	return nil
}

// Search performs a "search" cycle on the 1-wire bus and returns the addresses
// of all devices on the bus if alarmOnly is false and of all devices in alarm
// state if alarmOnly is true.
//
// It uses the chip's search accelerator, one transaction per device, and
// honours the family filters set with TargetFamily and ExcludeFamily. An empty
// bus yields no address and no error.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	saved := d.ns.SearchOnlyAlarming
	d.ns.SearchOnlyAlarming = alarmOnly
	defer func() { d.ns.SearchOnlyAlarming = saved }()

	var out []onewire.Address
	ok, err := d.findFirst()
	for ; ok; ok, err = d.findNext() {
		out = append(out, d.address())
	}
	return out, err
}

// SearchTriplet performs a single bit search triplet on the bus: two read
// slots followed by a write of the direction taken.
//
// SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.ready(); err != nil {
		return onewire.TripletResult{}, err
	}
	idOff := d.b.DataBit(true, false)
	cmpOff := d.b.DataBit(true, false)
	reply, err := d.transact()
	if err != nil {
		return onewire.TripletResult{}, err
	}
	tr := onewire.TripletResult{
		GotZero: !d.b.InterpretBit(reply[idOff]),
		GotOne:  !d.b.InterpretBit(reply[cmpOff]),
		Taken:   1,
	}
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotZero:
		tr.Taken = 0
	}
	d.b.DataBit(tr.Taken == 1, false)
	_, err = d.transact()
	return tr, err
}

// Reset issues a reset on the 1-wire bus and reports what answered it.
func (d *Dev) Reset() (ResetResult, error) {
	d.Lock()
	defer d.Unlock()
	return d.reset()
}

// PutBit writes one bit and checks that it was not overridden on the bus.
func (d *Dev) PutBit(v bool) error {
	d.Lock()
	defer d.Unlock()
	got, err := d.bit(v)
	if err != nil {
		return err
	}
	if got != v {
		return busError("ds2480b: bit echo was incorrect")
	}
	return nil
}

// GetBit reads one bit.
func (d *Dev) GetBit() (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.bit(true)
}

// PutByte writes one byte and checks its echo.
func (d *Dev) PutByte(v byte) error {
	d.Lock()
	defer d.Unlock()
	buf := [1]byte{v}
	if err := d.dataBlock(buf[:]); err != nil {
		return err
	}
	if buf[0] != v {
		return shortedBusError("ds2480b: short on 1-wire during byte write")
	}
	return nil
}

// GetByte reads one byte.
func (d *Dev) GetByte() (byte, error) {
	d.Lock()
	defer d.Unlock()
	buf := [1]byte{0xFF}
	err := d.dataBlock(buf[:])
	return buf[0], err
}

// GetBlock reads n bytes.
func (d *Dev) GetBlock(n int) ([]byte, error) {
	d.Lock()
	defer d.Unlock()
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := d.dataBlock(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DataBlock sends buf on the bus and replaces its content with what was read
// back in the same time slots.
func (d *Dev) DataBlock(buf []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.dataBlock(buf)
}

// SetSpeed selects the 1-wire speed for the following operations.
//
// Hyperdrive is not supported by the chip.
func (d *Dev) SetSpeed(s Speed) error {
	d.Lock()
	defer d.Unlock()
	switch s {
	case SpeedRegular, SpeedFlex:
		d.ls.SpeedMode = SpeedFlex
	case SpeedOverdrive:
		d.ls.SpeedMode = SpeedOverdrive
	default:
		return fmt.Errorf("ds2480b: speed %s is not supported", s)
	}
	d.ns.Speed = s
	return nil
}

// Speed returns the 1-wire speed in use.
func (d *Dev) Speed() Speed {
	d.Lock()
	defer d.Unlock()
	return d.ns.Speed
}

// Level returns the electrical level the driver left the line at.
func (d *Dev) Level() Level {
	d.Lock()
	defer d.Unlock()
	return d.ns.Level
}

// SetPowerDuration sets how long power delivery lasts. Only DeliveryInfinite
// is supported: power is delivered until SetPowerNormal.
func (d *Dev) SetPowerDuration(t PowerDuration) error {
	if t != DeliveryInfinite {
		return errors.New("ds2480b: only infinite power delivery is supported")
	}
	d.Lock()
	defer d.Unlock()
	d.ns.LevelTimeFactor = t
	return nil
}

// StartPowerDelivery enables the strong pull-up, either now or right after
// the next bit or single byte operation.
func (d *Dev) StartPowerDelivery(cond PowerCondition) error {
	d.Lock()
	defer d.Unlock()
	switch cond {
	case ConditionAfterBit:
		d.ns.LevelChangeOnNextBit = true
		d.ns.PrimedLevelValue = LevelPowerDelivery
		return nil
	case ConditionAfterByte:
		d.ns.LevelChangeOnNextByte = true
		d.ns.PrimedLevelValue = LevelPowerDelivery
		return nil
	case ConditionNow:
	default:
		return fmt.Errorf("ds2480b: invalid power delivery condition %d", cond)
	}
	if err := d.ready(); err != nil {
		return err
	}
	off := d.b.SetParameter(Param5VPulse, Time5VInfinite)
	d.b.SendCommand(Cmd5VPulseNow, false)
	reply, err := d.transact()
	if err != nil {
		return err
	}
	if len(reply) != off+1 {
		return errors.New("ds2480b: no response to power delivery")
	}
	d.ns.Level = LevelPowerDelivery
	return nil
}

// SetProgramPulseDuration sets the programming pulse duration. Only
// DeliveryEPROM is supported.
func (d *Dev) SetProgramPulseDuration(t PowerDuration) error {
	if t != DeliveryEPROM {
		return errors.New("ds2480b: only EPROM length program pulses are supported")
	}
	return nil
}

// StartProgramPulse sends a 512µs 12V programming pulse.
//
// The chip must report programming voltage and only ConditionNow is
// supported.
func (d *Dev) StartProgramPulse(cond PowerCondition) error {
	d.Lock()
	defer d.Unlock()
	if !d.ls.ProgramVoltageAvailable {
		return errors.New("ds2480b: program voltage not available")
	}
	if cond != ConditionNow {
		return errors.New("ds2480b: program pulse only supports ConditionNow")
	}
	if err := d.ready(); err != nil {
		return err
	}
	d.b.SetParameter(Param12VPulse, Time12V512us)
	d.b.SendCommand(Cmd12VPulseNow, true)
	_, err := d.transact()
	return err
}

// StartBreak holds the 1-wire line low by cutting the chip's supply through
// the port's control lines, until SetPowerNormal.
func (d *Dev) StartBreak() error {
	d.Lock()
	defer d.Unlock()
	lc, ok := d.port.(lineController)
	if !ok {
		return errors.New("ds2480b: port cannot drive its control lines")
	}
	if err := setLines(lc, false); err != nil {
		return fmt.Errorf("ds2480b: %w", err)
	}
	sleep(200 * time.Millisecond)
	d.ns.Level = LevelBreak
	return nil
}

// SetPowerNormal ends power delivery or a break and returns the line to its
// normal pulled-up level.
func (d *Dev) SetPowerNormal() error {
	d.Lock()
	defer d.Unlock()
	return d.powerNormal()
}

// FindFirstDevice restarts the ROM search and looks for the first device
// that passes the family filters. Its address is then available from
// Address.
func (d *Dev) FindFirstDevice() (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.findFirst()
}

// FindNextDevice continues the ROM search started by FindFirstDevice.
func (d *Dev) FindNextDevice() (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.findNext()
}

// Address returns the address of the device found by the last search step.
func (d *Dev) Address() onewire.Address {
	d.Lock()
	defer d.Unlock()
	return d.address()
}

// IsPresent reports whether the device with the given address answers a
// search.
func (d *Dev) IsPresent(addr onewire.Address) (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.probe(addr, false)
}

// IsAlarming reports whether the device with the given address answers an
// alarm search.
func (d *Dev) IsAlarming(addr onewire.Address) (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.probe(addr, true)
}

// SetSearchOnlyAlarmingDevices restricts the following searches to devices
// in alarm state.
func (d *Dev) SetSearchOnlyAlarmingDevices() {
	d.Lock()
	defer d.Unlock()
	d.ns.SearchOnlyAlarming = true
}

// SetNoResetSearch makes the following searches start without a bus reset.
func (d *Dev) SetNoResetSearch() {
	d.Lock()
	defer d.Unlock()
	d.ns.SkipResetOnSearch = true
}

// SetSearchAllDevices undoes SetSearchOnlyAlarmingDevices and
// SetNoResetSearch.
func (d *Dev) SetSearchAllDevices() {
	d.Lock()
	defer d.Unlock()
	d.ns.SearchOnlyAlarming = false
	d.ns.SkipResetOnSearch = false
}

// TargetAllFamilies clears both family filters.
func (d *Dev) TargetAllFamilies() {
	d.Lock()
	defer d.Unlock()
	d.ns.IncludeFamilies = nil
	d.ns.ExcludeFamilies = nil
}

// TargetFamily restricts searches to devices of the given families.
func (d *Dev) TargetFamily(families ...byte) {
	d.Lock()
	defer d.Unlock()
	d.ns.IncludeFamilies = append([]byte(nil), families...)
}

// ExcludeFamily makes searches skip devices of the given families.
func (d *Dev) ExcludeFamily(families ...byte) {
	d.Lock()
	defer d.Unlock()
	d.ns.ExcludeFamilies = append([]byte(nil), families...)
}

// CanProgram reports whether the chip sees the 12V programming supply.
func (d *Dev) CanProgram() (bool, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.ready(); err != nil {
		return false, err
	}
	if d.ls.ChipRevision == 0 {
		if _, err := d.reset(); err != nil {
			return false, err
		}
	}
	return d.ls.ProgramVoltageAvailable, nil
}

// Revision returns the chip revision read from the last reset response.
func (d *Dev) Revision() byte {
	d.Lock()
	defer d.Unlock()
	return d.ls.ChipRevision
}

// Capabilities lists what the driver supports beyond plain 1-wire I/O.
type Capabilities struct {
	Overdrive         bool
	Hyperdrive        bool
	Flex              bool
	DeliverPower      bool
	DeliverSmartPower bool
	Break             bool
}

// Capabilities returns the features of the driver over this port.
func (d *Dev) Capabilities() Capabilities {
	_, lines := d.port.(lineController)
	return Capabilities{
		Overdrive:    true,
		Flex:         true,
		DeliverPower: true,
		Break:        lines,
	}
}

//

// baudSetter is implemented by ports that can change their serial rate.
type baudSetter interface {
	SetBaud(baud int) error
}

// flusher is implemented by ports that can drop pending input.
type flusher interface {
	Flush() error
}

// breaker is implemented by ports that can send a serial break.
type breaker interface {
	Break(d time.Duration) error
}

// lineController is implemented by ports that drive DTR and RTS.
type lineController interface {
	SetDTR(v bool) error
	SetRTS(v bool) error
}

func setLines(lc lineController, v bool) error {
	if err := lc.SetDTR(v); err != nil {
		return err
	}
	return lc.SetRTS(v)
}

// ready makes sure the chip is detected and the line is at normal level.
func (d *Dev) ready() error {
	if !d.present {
		if err := d.detect(); err != nil {
			return err
		}
	}
	if d.ns.Level != LevelNormal {
		return d.powerNormal()
	}
	return nil
}

// detect resets the chip and verifies it answers, first with serial breaks,
// then by power cycling it through the control lines.
func (d *Dev) detect() error {
	resets := []func() error{d.masterReset, d.masterReset, d.powerReset}
	for i, reset := range resets {
		if err := reset(); err != nil {
			return err
		}
		if d.verify() {
			d.present = true
			return nil
		}
		d.log.Debug("ds2480b: verification failed", "attempt", i+1)
	}
	return fmt.Errorf("ds2480b: no adapter responding on %s", d.port)
}

// masterReset returns the chip to 9600 baud and flexible speed with a serial
// break followed by the timing byte.
func (d *Dev) masterReset() error {
	if err := d.resetLinkState(); err != nil {
		return err
	}
	if b, ok := d.port.(breaker); ok {
		if err := b.Break(10 * time.Millisecond); err != nil {
			return fmt.Errorf("ds2480b: %w", err)
		}
	}
	sleep(5 * time.Millisecond)
	return d.sendTiming()
}

// powerReset power cycles the chip through DTR and RTS.
func (d *Dev) powerReset() error {
	if err := d.resetLinkState(); err != nil {
		return err
	}
	if lc, ok := d.port.(lineController); ok {
		if err := setLines(lc, false); err != nil {
			return fmt.Errorf("ds2480b: %w", err)
		}
		sleep(300 * time.Millisecond)
		if err := setLines(lc, true); err != nil {
			return fmt.Errorf("ds2480b: %w", err)
		}
		sleep(time.Millisecond)
	}
	return d.sendTiming()
}

func (d *Dev) resetLinkState() error {
	if bs, ok := d.port.(baudSetter); ok && d.baud != 9600 {
		if err := bs.SetBaud(9600); err != nil {
			return fmt.Errorf("ds2480b: %w", err)
		}
	}
	d.baud = 9600
	*d.ls = *NewLinkState()
	d.ls.BitsOnly = d.opts.BitsOnly
	d.ls.StreamResets = d.opts.StreamResets
	d.ls.StreamBytes = d.opts.StreamBytes
	d.ls.StreamBits = d.opts.StreamBits
	d.ns.Speed = SpeedRegular
	d.ns.Level = LevelNormal
	d.b.Restart()
	return nil
}

// sendTiming sends the byte the chip uses to calibrate to the host's serial
// rate. It produces no reply.
func (d *Dev) sendTiming() error {
	if err := d.flush(); err != nil {
		return err
	}
	if err := d.port.Tx([]byte{funcReset}, nil); err != nil {
		return fmt.Errorf("ds2480b: %w", err)
	}
	return d.flush()
}

// verify configures the timing parameters and checks the chip's answers to a
// baud rate read and a bit operation.
func (d *Dev) verify() bool {
	t := timings[d.ns.Speed]
	d.b.SetParameter(ParamSlew, t.slew)
	d.b.SetParameter(ParamWrite1Low, t.write1Low)
	d.b.SetParameter(ParamSampleOffset, t.sampleOffset)
	d.b.SetParameter(Param5VPulse, Time5VInfinite)
	baudOff := d.b.GetParameter(ParamBaud)
	bitOff := d.b.DataBit(true, false)
	reply, err := d.transact()
	if err != nil {
		d.log.Debug("ds2480b: verification", "err", err)
		return false
	}
	return d.checkBaud(reply[baudOff]) &&
		reply[bitOff]&0xF0 == 0x90 && reply[bitOff]&0x0C == d.ls.SpeedMode.bits()
}

func (d *Dev) checkBaud(r byte) bool {
	return r&0xF1 == 0 && r&0x0E == d.ls.Baud
}

// setStreamingSpeed moves the serial link to the rate best suited for op at
// the current 1-wire speed.
func (d *Dev) setStreamingSpeed(op Operation) error {
	baud := DesiredBaud(op, d.ns.Speed, d.opts.MaxBaud)
	if baud == d.baud {
		return nil
	}
	bs, ok := d.port.(baudSetter)
	if !ok {
		return nil
	}
	code := BaudCode(baud)
	d.log.Debug("ds2480b: changing baud rate", "from", d.baud, "to", baud)

	d.present = false
	d.b.SetParameter(ParamBaud, code)
	pkts := d.b.Finalize()
	d.b.Restart()
	if err := d.flush(); err != nil {
		return err
	}
	// The chip answers at the new rate, so the reply is garbage.
	if err := d.port.Tx(pkts[0].Buf, nil); err != nil {
		return fmt.Errorf("ds2480b: %w", err)
	}
	sleep(5 * time.Millisecond)
	if err := d.flush(); err != nil {
		return err
	}
	if err := bs.SetBaud(baud); err != nil {
		return fmt.Errorf("ds2480b: %w", err)
	}
	d.baud = baud
	d.ls.Baud = code
	sleep(5 * time.Millisecond)

	off := d.b.GetParameter(ParamBaud)
	d.b.SetSpeed()
	reply, err := d.transact()
	if err != nil {
		return err
	}
	if !d.checkBaud(reply[off]) {
		d.log.Warn("ds2480b: baud rate change failed", "baud", baud, "reply", reply[off])
		return fmt.Errorf("ds2480b: failed to switch to %d baud", baud)
	}
	d.present = true
	sleep(150 * time.Millisecond)
	return d.flush()
}

// transact sends the packets queued in the builder, in order, and returns the
// concatenated replies. The builder is restarted in every case.
func (d *Dev) transact() ([]byte, error) {
	defer d.b.Restart()
	if err := d.flush(); err != nil {
		return nil, err
	}
	pkts := d.b.Finalize()
	reply := make([]byte, d.b.TotalReplyLength())
	n := 0
	for i := range pkts {
		p := &pkts[i]
		if p.IsSettle() {
			sleep(settleDelay)
			if err := d.flush(); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.port.Tx(p.Buf, reply[n:n+p.ReplyLen]); err != nil {
			d.present = false
			return nil, fmt.Errorf("ds2480b: %w", err)
		}
		n += p.ReplyLen
	}
	return reply, nil
}

func (d *Dev) flush() error {
	if f, ok := d.port.(flusher); ok {
		if err := f.Flush(); err != nil {
			d.present = false
			return fmt.Errorf("ds2480b: %w", err)
		}
	}
	return nil
}

func (d *Dev) trace(p Packet) {
	if d.log.Enabled(context.Background(), slog.LevelDebug) {
		d.log.Debug("ds2480b: packet", "tx", p.String(), "reply", p.ReplyLen)
	}
}

func (d *Dev) reset() (ResetResult, error) {
	if err := d.ready(); err != nil {
		return ResetNoPresence, err
	}
	off := d.b.Reset()
	reply, err := d.transact()
	if err != nil {
		return ResetNoPresence, err
	}
	return d.b.InterpretReset(reply[off]), nil
}

// bit runs one bit time slot, arming the strong pull-up if requested.
func (d *Dev) bit(v bool) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	prime := d.ns.LevelChangeOnNextBit
	off := d.b.DataBit(v, prime)
	reply, err := d.transact()
	if err != nil {
		return false, err
	}
	if prime {
		d.ns.LevelChangeOnNextBit = false
		d.ns.Level = d.ns.PrimedLevelValue
	}
	return d.b.InterpretBit(reply[off]), nil
}

func (d *Dev) dataBlock(buf []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.setStreamingSpeed(OperationByte); err != nil {
		return err
	}
	if len(buf) == 1 && d.ns.LevelChangeOnNextByte {
		off := d.b.PrimedDataByte(buf[0])
		reply, err := d.transact()
		if err != nil {
			return err
		}
		d.ns.LevelChangeOnNextByte = false
		d.ns.Level = d.ns.PrimedLevelValue
		buf[0] = d.b.InterpretPrimedByte(reply, off)
		return nil
	}
	off := d.b.DataBytes(buf)
	reply, err := d.transact()
	if err != nil {
		return err
	}
	d.b.InterpretDataBytes(reply, off, buf)
	return nil
}

func (d *Dev) powerNormal() error {
	switch d.ns.Level {
	case LevelPowerDelivery:
		if !d.present {
			// The chip was reset, which ended the pulse.
			d.ns.Level = LevelNormal
			return d.ready()
		}
		d.b.StopPulse()
		d.b.SendCommand(Cmd5VPulseNow, false)
		off := d.b.StopPulse()
		reply, err := d.transact()
		if err != nil {
			return err
		}
		if len(reply) != off+1 {
			return errors.New("ds2480b: no response to stop power delivery")
		}
		d.ns.Level = LevelNormal
	case LevelBreak:
		if lc, ok := d.port.(lineController); ok {
			if err := setLines(lc, true); err != nil {
				return fmt.Errorf("ds2480b: %w", err)
			}
		}
		sleep(300 * time.Millisecond)
		d.ns.Level = LevelNormal
		d.present = false
		return d.ready()
	}
	return nil
}

// search runs one accelerated search pass driven by ns.
func (d *Dev) search(ns *NetworkState) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	if err := d.setStreamingSpeed(OperationSearch); err != nil {
		return false, err
	}
	resetOff := -1
	if !ns.SkipResetOnSearch {
		resetOff = d.b.Reset()
	}
	cmd := byte(romSearch)
	if ns.SearchOnlyAlarming {
		cmd = romAlarmSearch
	}
	d.b.DataByte(cmd)
	off := d.b.Search(ns)
	reply, err := d.transact()
	if err != nil {
		return false, err
	}
	if resetOff >= 0 {
		d.b.InterpretReset(reply[resetOff])
	}
	return d.b.InterpretSearch(ns, reply, off), nil
}

func (d *Dev) findFirst() (bool, error) {
	d.ns.ResetSearch()
	return d.findNext()
}

// findNext steps the search to the next device accepted by the family
// filters, skipping whole families when possible.
func (d *Dev) findNext() (bool, error) {
	ns := d.ns
	if ns.LastDeviceFlag {
		ns.ResetSearch()
		return false, nil
	}
	single := len(ns.IncludeFamilies) == 1
	if single && (ns.LastDiscrepancy == NoDiscrepancy || ns.LastDiscrepancy == 0) {
		ns.LastDiscrepancy = 64
		ns.CurrentID = [8]byte{ns.IncludeFamilies[0]}
	}
	for {
		ok, err := d.search(ns)
		if err != nil {
			ns.ResetSearch()
			return false, err
		}
		if ok {
			if ns.included(ns.CurrentID[0]) {
				return true, nil
			}
			if single {
				// A matching device would have been found first.
				ns.ResetSearch()
				return false, nil
			}
		}
		if !ok || ns.LastDeviceFlag || ns.FamilyLastDiscrepancy == 0 {
			ns.ResetSearch()
			return false, nil
		}
		ns.LastDiscrepancy = ns.FamilyLastDiscrepancy
		ns.FamilyLastDiscrepancy = 0
	}
}

// probe searches for exactly addr with a throwaway network state.
func (d *Dev) probe(addr onewire.Address, alarmOnly bool) (bool, error) {
	ns := NewNetworkState()
	ns.Speed = d.ns.Speed
	binary.LittleEndian.PutUint64(ns.CurrentID[:], uint64(addr))
	want := ns.CurrentID
	ns.LastDiscrepancy = 64
	ns.SearchOnlyAlarming = alarmOnly
	ok, err := d.search(ns)
	if err != nil || !ok {
		return false, err
	}
	return ns.CurrentID == want, nil
}

func (d *Dev) address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(d.ns.CurrentID[:]))
}

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ onewire.BusCloser = &Dev{}
var _ onewire.BusSearcher = &Dev{}

const (
	settleDelay = 6 * time.Millisecond // long alarm reset completion

	romSearch      = 0xF0 // search ROM
	romAlarmSearch = 0xEC // search ROM, alarming devices only
)

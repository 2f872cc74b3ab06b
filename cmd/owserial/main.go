// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owserial talks to 1-wire devices through a DS2480B serial line driver.
//
// Usage:
//
//	owserial -port /dev/ttyUSB0 [flags] <command>
//
// Commands:
//
//	search    list the devices on the bus
//	reset     reset the bus and print the result
//	read-rom  read the address of the only device on the bus
//	serve     share the adapter over TCP with remote 1-wire clients
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/onewire/onewirereg"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/owserial/ds2480b"
	"github.com/GermanBionicSystems/owserial/netadapter"
	"github.com/GermanBionicSystems/owserial/serialconn"
)

const busName = "DS2480B"

func mainImpl() error {
	cfgPath := flag.String("config", "", "YAML configuration file")
	port := flag.String("port", "", "serial port the DS2480B is connected to")
	bitsOnly := flag.Bool("bits-only", false, "send bytes as individual bit time slots")
	maxBaud := flag.Int("max-baud", 0, "highest serial rate used at overdrive speed")
	logFormat := flag.String("log-format", "", "console or json")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	alarm := flag.Bool("alarm", false, "search: list only alarming devices")
	family := flag.String("family", "", "search: only list this family code (hex)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: owserial -port <port> [flags] search|reset|read-rom|serve\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "bits-only":
			cfg.BitsOnly = *bitsOnly
		case "max-baud":
			cfg.MaxBaud = *maxBaud
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if cfg.Port == "" {
		return errors.New("-port is required")
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("expected exactly one command")
	}
	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	d, err := openBus(&cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	out := colorable.NewColorableStdout()
	switch cmd := flag.Arg(0); cmd {
	case "search":
		if *family != "" {
			f, err := strconv.ParseUint(*family, 16, 8)
			if err != nil {
				return fmt.Errorf("-family: %w", err)
			}
			d.TargetFamily(byte(f))
		}
		return search(out, d, *alarm)
	case "reset":
		r, err := d.Reset()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", r)
		return err
	case "read-rom":
		return readROM(out, d)
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return serve(ctx, d, &cfg, logger)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// openBus registers the adapter with onewirereg and opens it through the
// registry so other periph code in the process can find it by name.
func openBus(c *config, logger *slog.Logger) (*ds2480b.Dev, error) {
	opener := func() (onewire.BusCloser, error) {
		p, err := serialconn.Open(c.Port, nil)
		if err != nil {
			return nil, err
		}
		d, err := ds2480b.New(p, c.deviceOpts(logger))
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		return d, nil
	}
	if err := onewirereg.Register(busName, []string{c.Port}, -1, opener); err != nil {
		return nil, err
	}
	b, err := onewirereg.Open(busName)
	if err != nil {
		return nil, err
	}
	return b.(*ds2480b.Dev), nil
}

func search(w io.Writer, b onewire.Bus, alarmOnly bool) error {
	addrs, err := b.Search(alarmOnly)
	for _, a := range addrs {
		if _, err := fmt.Fprintf(w, "%s\033[0m %#016x\n", familySwatch(ansi256.Default, byte(a)), uint64(a)); err != nil {
			return err
		}
	}
	return err
}

// familySwatch returns a colored block unique to the family code, so devices
// of the same kind line up visually.
func familySwatch(p *ansi256.Palette, family byte) string {
	c := color.NRGBA{R: family * 53, G: family * 97, B: family * 193, A: 255}
	return p.Block(c)
}

func readROM(w io.Writer, b onewire.Bus) error {
	var id [8]byte
	if err := b.Tx([]byte{0x33}, id[:], onewire.WeakPullup); err != nil {
		return err
	}
	if !onewire.CheckCRC(id[:]) {
		return errors.New("read-rom: CRC mismatch")
	}
	var a uint64
	for i := 7; i >= 0; i-- {
		a = a<<8 | uint64(id[i])
	}
	_, err := fmt.Fprintf(w, "%#016x\n", a)
	return err
}

func serve(ctx context.Context, d *ds2480b.Dev, c *config, logger *slog.Logger) error {
	h := netadapter.NewHost(d, c.hostOpts(logger))
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Serve.Port))
	if err != nil {
		return err
	}
	errs := make(chan error, 2)
	go func() { errs <- h.Serve(ln) }()
	if c.Serve.Multicast {
		m, err := netadapter.ListenMulticast(c.Serve.MulticastGroup, c.Serve.MulticastPort, netadapter.DiscoveryRequest(), netadapter.DiscoveryReply(c.Serve.Port), logger)
		if err != nil {
			_ = h.Close()
			return err
		}
		defer m.Close()
		go func() { errs <- m.Run(ctx) }()
	}
	logger.Info("serving", "bus", d, "port", c.Serve.Port)
	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	if err2 := h.Close(); err == nil {
		err = err2
	}
	if errors.Is(err, netadapter.ErrHostClosed) {
		err = nil
	}
	return err
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "owserial: %s.\n", err)
		os.Exit(1)
	}
}

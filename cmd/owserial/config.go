// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/phsym/console-slog"
	"gopkg.in/yaml.v3"

	"github.com/GermanBionicSystems/owserial/ds2480b"
	"github.com/GermanBionicSystems/owserial/netadapter"
)

type config struct {
	Port      string      `yaml:"port"`
	BitsOnly  bool        `yaml:"bits_only"`
	MaxBaud   int         `yaml:"max_baud"`
	LogFormat string      `yaml:"log_format"`
	LogLevel  string      `yaml:"log_level"`
	Serve     serveConfig `yaml:"serve"`
}

type serveConfig struct {
	Port           int           `yaml:"port"`
	Secret         string        `yaml:"secret"`
	Timeout        time.Duration `yaml:"timeout"`
	Multicast      bool          `yaml:"multicast"`
	MulticastGroup string        `yaml:"multicast_group"`
	MulticastPort  int           `yaml:"multicast_port"`
}

func defaultConfig() config {
	return config{
		MaxBaud:   ds2480b.DefaultOpts.MaxBaud,
		LogFormat: "console",
		LogLevel:  "info",
		Serve: serveConfig{
			Port:           netadapter.DefaultPort,
			Secret:         netadapter.DefaultSecret,
			Timeout:        netadapter.DefaultOpts.Timeout,
			Multicast:      true,
			MulticastGroup: netadapter.DefaultMulticastGroup,
			MulticastPort:  netadapter.DefaultMulticastPort,
		},
	}
}

// loadConfig overlays the YAML file at path on the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := parseConfig(bytes.NewReader(b), &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func parseConfig(r io.Reader, c *config) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *config) deviceOpts(logger *slog.Logger) *ds2480b.Opts {
	opts := ds2480b.DefaultOpts
	opts.BitsOnly = c.BitsOnly
	opts.MaxBaud = c.MaxBaud
	opts.Logger = logger
	return &opts
}

func (c *config) hostOpts(logger *slog.Logger) *netadapter.Opts {
	return &netadapter.Opts{
		Secret:  c.Serve.Secret,
		Timeout: c.Serve.Timeout,
		Logger:  logger,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

// newLogger returns a colored console logger or a JSON one on stdout.
func newLogger(format, level string) (*slog.Logger, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	switch format {
	case "console", "":
		return slog.New(console.NewHandler(colorable.NewColorableStdout(), &console.HandlerOptions{Level: l})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

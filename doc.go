// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owserial is a container for the DS2480B serial 1-wire stack.
//
// Package ds2480b drives the line driver, serialconn provides the serial
// port it runs over and netadapter shares a bus over TCP. The owserial
// command ties them together.
package owserial

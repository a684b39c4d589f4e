// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp is the TCP raw transport (spec §4.14): Dial/Listen/Accept
// over a kernel TCP socket, exposing handle.Bytestream.
package tcp

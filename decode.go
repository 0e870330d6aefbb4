// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "github.com/lumberbarons/modbus-tcp-client/internal/channel"

// DecodeLevel controls how much of each exchanged frame is written to
// the configured Logger. It never changes wire behavior.
type DecodeLevel int

const (
	// DecodeNothing disables frame logging entirely. This is the default.
	DecodeNothing DecodeLevel = iota
	// DecodeHeader logs each frame's transaction id, unit id and byte length.
	DecodeHeader
	// DecodePayload additionally logs the raw bytes exchanged.
	DecodePayload
)

func (d DecodeLevel) toChannel() channel.DecodeLevel {
	return channel.DecodeLevel(d)
}

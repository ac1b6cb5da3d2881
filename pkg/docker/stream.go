// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package docker

import "encoding/binary"

// Docker multiplexes container stdout and stderr onto one stream when the
// container has no TTY. Each frame is
//
//	[streamType:1][padding:3][payloadLen:4 big-endian][payload:N]
//
// with streamType 1 for stdout and 2 for stderr.
const frameHeaderLen = 8

const (
	streamStdout byte = 1
	streamStderr byte = 2
)

// Frame is one demultiplexed payload.
type Frame struct {
	Stderr  bool
	Payload []byte
}

// Demuxer incrementally decodes the multiplexed stream. Feed it arbitrary
// chunks with Write; complete frames are returned, partial frames stay
// buffered until the next Write. Not safe for concurrent use.
type Demuxer struct {
	buf []byte
}

// Write appends p to the internal buffer and returns all frames completed by
// it.
func (d *Demuxer) Write(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for len(d.buf) >= frameHeaderLen {
		payloadLen := int(binary.BigEndian.Uint32(d.buf[4:8]))
		if len(d.buf) < frameHeaderLen+payloadLen {
			break
		}
		streamType := d.buf[0]
		payload := make([]byte, payloadLen)
		copy(payload, d.buf[frameHeaderLen:frameHeaderLen+payloadLen])
		d.buf = d.buf[frameHeaderLen+payloadLen:]

		frames = append(frames, Frame{
			Stderr:  streamType == streamStderr,
			Payload: payload,
		})
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Pending returns how many bytes are buffered waiting for frame completion.
func (d *Demuxer) Pending() int { return len(d.buf) }

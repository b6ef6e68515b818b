// Package audio holds the codec service contract and the fixed format
// parameters audio sources are allocated with. Codec internals live outside
// this module; the server only moves encoded frames.
package audio

import "github.com/lcx/vox/msg"

// Source format defaults. Bitrate is the only negotiable parameter; the
// rest are fixed for every source the server allocates.
const (
	DefaultBitrate uint32 = 64000
	MinBitrate     uint32 = 8000
	MaxBitrate     uint32 = 192000

	DefaultChannels  uint8  = 1
	DefaultFrequency uint32 = 48000
	DefaultFrameSize uint16 = 480
)

// Codec encodes and decodes audio frames for one source. Implementations
// are external collaborators; both methods must be safe for use from a
// single goroutine at a time.
type Codec interface {
	// Encode turns raw PCM samples into a wire frame.
	Encode(pcm []byte) ([]byte, error)

	// Decode turns a wire frame back into PCM samples.
	Decode(frame []byte) ([]byte, error)
}

// ClampBitrate maps a requested bitrate into the allowed range. Zero means
// the caller wants the default.
func ClampBitrate(requested uint32) uint32 {
	switch {
	case requested == 0:
		return DefaultBitrate
	case requested < MinBitrate:
		return MinBitrate
	case requested > MaxBitrate:
		return MaxBitrate
	}
	return requested
}

// NewSource builds the source handle for an allocation request.
func NewSource(id, ownerID, requestedBitrate uint32) msg.SourceInfo {
	return msg.SourceInfo{
		ID:        id,
		OwnerID:   ownerID,
		Bitrate:   ClampBitrate(requestedBitrate),
		Channels:  DefaultChannels,
		Frequency: DefaultFrequency,
		FrameSize: DefaultFrameSize,
	}
}

// Package wire implements the PacketWrapper/MediaPacket binary envelope
// carried over both transports (§4.1, §6.1 of the media plane design).
//
// The encoding is a small tag-length-value scheme modeled on protobuf's wire
// format (varint keys, three wire types) so that unknown fields from a newer
// producer are skipped rather than rejected, and a decoder that doesn't
// recognize a field never fabricates a value for it on re-encode.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// wireType is the low 3 bits of every field key, identifying how to skip
// or decode the field's payload without knowing its semantic type.
type wireType uint8

const (
	wireVarint  wireType = 0
	wireFixed64 wireType = 1
	wireBytes   wireType = 2
)

// ErrTruncated is returned when the buffer ends in the middle of a field.
var ErrTruncated = errors.New("wire: truncated buffer")

// PacketType enumerates the outer envelope's kind (§3 DATA MODEL, §6.1).
type PacketType uint32

const (
	PacketUnknown     PacketType = 0
	PacketMedia       PacketType = 1
	PacketConnection  PacketType = 2
	PacketAesKey      PacketType = 3
	PacketRsaPubKey   PacketType = 4
	PacketDiagnostics PacketType = 5
	PacketHealth      PacketType = 6
	PacketMeeting     PacketType = 7
)

// MediaType enumerates the inner MediaPacket's sub-kind.
type MediaType uint32

const (
	MediaUnknown   MediaType = 0
	MediaVideo     MediaType = 1
	MediaAudio     MediaType = 2
	MediaScreen    MediaType = 3
	MediaHeartbeat MediaType = 4
	MediaRtt       MediaType = 5
)

// VideoCodec enumerates the codec carried in VideoMetadata.
type VideoCodec uint32

const (
	VideoCodecUnknown VideoCodec = 0
	VideoCodecVP9     VideoCodec = 1
)

// FrameKey and FrameDelta are the two values MediaPacket.FrameType takes on
// the wire. Any other string decodes as a delta per §4.1.
const (
	FrameKey   = "key"
	FrameDelta = "delta"
)

// PacketWrapper is the outer envelope (§6.1). Every field is optional on the
// wire; a missing field decodes to its zero value.
type PacketWrapper struct {
	PacketType PacketType
	Email      string // author UserId, carried verbatim, never rewritten
	Data       []byte // inner payload; interpretation depends on PacketType
}

// AudioMetadata carries per-packet audio framing details.
type AudioMetadata struct {
	Sequence   uint64
	SampleRate uint32
	Channels   uint32
	Format     string
	Frames     uint32
}

// VideoMetadata carries per-packet video framing details.
type VideoMetadata struct {
	Sequence uint64
	Codec    VideoCodec
}

// HeartbeatMetadata describes which media kinds the sender currently has
// enabled, carried on Heartbeat MediaPackets.
type HeartbeatMetadata struct {
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenEnabled bool
}

// MediaPacket is the inner envelope carried inside a PacketWrapper whose
// PacketType is PacketMedia (§6.1).
type MediaPacket struct {
	MediaType MediaType
	Email     string
	Data      []byte  // codec payload
	FrameType string  // "key" or "delta"; producer-authoritative
	Timestamp float64 // ms since Unix epoch, producer-authoritative
	Duration  float64 // ms, producer-authoritative

	Audio     *AudioMetadata
	Video     *VideoMetadata
	Heartbeat *HeartbeatMetadata
}

// IsKeyFrame reports whether FrameType marks this packet as self-decodable.
func (m *MediaPacket) IsKeyFrame() bool { return m.FrameType == FrameKey }

// --- varint helpers -------------------------------------------------------

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readVarint(b []byte) (v uint64, n int, err error) {
	var shift uint
	for i := 0; i < len(b); i++ {
		c := b[i]
		v |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, errors.New("wire: varint overflow")
		}
	}
	return 0, 0, ErrTruncated
}

func appendKey(buf []byte, tag uint32, wt wireType) []byte {
	return appendVarint(buf, uint64(tag)<<3|uint64(wt))
}

func appendVarintField(buf []byte, tag uint32, v uint64) []byte {
	if v == 0 {
		return buf
	}
	buf = appendKey(buf, tag, wireVarint)
	return appendVarint(buf, v)
}

func appendBoolField(buf []byte, tag uint32, v bool) []byte {
	if !v {
		return buf
	}
	buf = appendKey(buf, tag, wireVarint)
	return appendVarint(buf, 1)
}

func appendFixed64Field(buf []byte, tag uint32, v float64) []byte {
	if v == 0 {
		return buf
	}
	buf = appendKey(buf, tag, wireFixed64)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func appendBytesField(buf []byte, tag uint32, v []byte) []byte {
	if len(v) == 0 {
		return buf
	}
	buf = appendKey(buf, tag, wireBytes)
	buf = appendVarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func appendStringField(buf []byte, tag uint32, v string) []byte {
	if v == "" {
		return buf
	}
	return appendBytesField(buf, tag, []byte(v))
}

// field is one decoded (tag, wiretype, payload) triple. For wireVarint and
// wireFixed64, u64 holds the decoded value and raw is nil; for wireBytes raw
// holds the field's content (length prefix already consumed).
type field struct {
	tag uint32
	wt  wireType
	u64 uint64
	raw []byte
}

// decodeFields walks every field in b, calling yield for each. It never
// errors on an unrecognized tag — the caller decides what to keep. It does
// error on a structurally truncated buffer.
func decodeFields(b []byte, yield func(field) error) error {
	for len(b) > 0 {
		key, n, err := readVarint(b)
		if err != nil {
			return err
		}
		b = b[n:]
		tag := uint32(key >> 3)
		wt := wireType(key & 0x7)

		var f field
		f.tag = tag
		f.wt = wt

		switch wt {
		case wireVarint:
			v, n, err := readVarint(b)
			if err != nil {
				return err
			}
			b = b[n:]
			f.u64 = v
		case wireFixed64:
			if len(b) < 8 {
				return ErrTruncated
			}
			f.u64 = binary.LittleEndian.Uint64(b[:8])
			b = b[8:]
		case wireBytes:
			l, n, err := readVarint(b)
			if err != nil {
				return err
			}
			b = b[n:]
			if uint64(len(b)) < l {
				return ErrTruncated
			}
			f.raw = b[:l]
			b = b[l:]
		default:
			return errors.New("wire: unknown wire type")
		}

		if err := yield(f); err != nil {
			return err
		}
	}
	return nil
}

// --- PacketWrapper ---------------------------------------------------------

const (
	pwTagType  = 1
	pwTagEmail = 2
	pwTagData  = 3
)

// Marshal encodes w into its binary wire form.
func (w *PacketWrapper) Marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, pwTagType, uint64(w.PacketType))
	buf = appendStringField(buf, pwTagEmail, w.Email)
	buf = appendBytesField(buf, pwTagData, w.Data)
	return buf
}

// Unmarshal decodes b into w, resetting w first. Unknown tags are skipped.
func (w *PacketWrapper) Unmarshal(b []byte) error {
	*w = PacketWrapper{}
	return decodeFields(b, func(f field) error {
		switch f.tag {
		case pwTagType:
			w.PacketType = PacketType(f.u64)
		case pwTagEmail:
			w.Email = string(f.raw)
		case pwTagData:
			w.Data = append([]byte(nil), f.raw...)
		}
		return nil
	})
}

// --- MediaPacket ------------------------------------------------------------

const (
	mpTagType      = 1
	mpTagEmail     = 2
	mpTagData      = 3
	mpTagFrameType = 4
	mpTagTimestamp = 5
	mpTagDuration  = 6
	mpTagAudio     = 7
	mpTagVideo     = 8
	mpTagHeartbeat = 9
)

const (
	amTagSequence   = 1
	amTagSampleRate = 2
	amTagChannels   = 3
	amTagFormat     = 4
	amTagFrames     = 5

	vmTagSequence = 1
	vmTagCodec    = 2

	hmTagVideoEnabled  = 1
	hmTagAudioEnabled  = 2
	hmTagScreenEnabled = 3
)

func (a *AudioMetadata) marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, amTagSequence, a.Sequence)
	buf = appendVarintField(buf, amTagSampleRate, uint64(a.SampleRate))
	buf = appendVarintField(buf, amTagChannels, uint64(a.Channels))
	buf = appendStringField(buf, amTagFormat, a.Format)
	buf = appendVarintField(buf, amTagFrames, uint64(a.Frames))
	return buf
}

func unmarshalAudioMetadata(b []byte) (*AudioMetadata, error) {
	a := &AudioMetadata{}
	err := decodeFields(b, func(f field) error {
		switch f.tag {
		case amTagSequence:
			a.Sequence = f.u64
		case amTagSampleRate:
			a.SampleRate = uint32(f.u64)
		case amTagChannels:
			a.Channels = uint32(f.u64)
		case amTagFormat:
			a.Format = string(f.raw)
		case amTagFrames:
			a.Frames = uint32(f.u64)
		}
		return nil
	})
	return a, err
}

func (v *VideoMetadata) marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, vmTagSequence, v.Sequence)
	buf = appendVarintField(buf, vmTagCodec, uint64(v.Codec))
	return buf
}

func unmarshalVideoMetadata(b []byte) (*VideoMetadata, error) {
	v := &VideoMetadata{}
	err := decodeFields(b, func(f field) error {
		switch f.tag {
		case vmTagSequence:
			v.Sequence = f.u64
		case vmTagCodec:
			v.Codec = VideoCodec(f.u64)
		}
		return nil
	})
	return v, err
}

func (h *HeartbeatMetadata) marshal() []byte {
	var buf []byte
	buf = appendBoolField(buf, hmTagVideoEnabled, h.VideoEnabled)
	buf = appendBoolField(buf, hmTagAudioEnabled, h.AudioEnabled)
	buf = appendBoolField(buf, hmTagScreenEnabled, h.ScreenEnabled)
	return buf
}

func unmarshalHeartbeatMetadata(b []byte) (*HeartbeatMetadata, error) {
	h := &HeartbeatMetadata{}
	err := decodeFields(b, func(f field) error {
		switch f.tag {
		case hmTagVideoEnabled:
			h.VideoEnabled = f.u64 != 0
		case hmTagAudioEnabled:
			h.AudioEnabled = f.u64 != 0
		case hmTagScreenEnabled:
			h.ScreenEnabled = f.u64 != 0
		}
		return nil
	})
	return h, err
}

// Marshal encodes m into its binary wire form.
func (m *MediaPacket) Marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, mpTagType, uint64(m.MediaType))
	buf = appendStringField(buf, mpTagEmail, m.Email)
	buf = appendBytesField(buf, mpTagData, m.Data)
	buf = appendStringField(buf, mpTagFrameType, m.FrameType)
	buf = appendFixed64Field(buf, mpTagTimestamp, m.Timestamp)
	buf = appendFixed64Field(buf, mpTagDuration, m.Duration)
	if m.Audio != nil {
		buf = appendBytesField(buf, mpTagAudio, m.Audio.marshal())
	}
	if m.Video != nil {
		buf = appendBytesField(buf, mpTagVideo, m.Video.marshal())
	}
	if m.Heartbeat != nil {
		buf = appendBytesField(buf, mpTagHeartbeat, m.Heartbeat.marshal())
	}
	return buf
}

// Unmarshal decodes b into m, resetting m first. Unknown tags are skipped
// and embedded sub-messages decode with the same forward-compatibility
// rule recursively.
func (m *MediaPacket) Unmarshal(b []byte) error {
	*m = MediaPacket{}
	return decodeFields(b, func(f field) error {
		var err error
		switch f.tag {
		case mpTagType:
			m.MediaType = MediaType(f.u64)
		case mpTagEmail:
			m.Email = string(f.raw)
		case mpTagData:
			m.Data = append([]byte(nil), f.raw...)
		case mpTagFrameType:
			m.FrameType = string(f.raw)
		case mpTagTimestamp:
			m.Timestamp = math.Float64frombits(f.u64)
		case mpTagDuration:
			m.Duration = math.Float64frombits(f.u64)
		case mpTagAudio:
			m.Audio, err = unmarshalAudioMetadata(f.raw)
		case mpTagVideo:
			m.Video, err = unmarshalVideoMetadata(f.raw)
		case mpTagHeartbeat:
			m.Heartbeat, err = unmarshalHeartbeatMetadata(f.raw)
		}
		return err
	})
}

// SequenceNewer reports whether seq is "newer" than other under 32-bit RTP
// wrap-around rules: a nonzero difference of less than 2^31 counts as newer,
// so equal values are not newer (§4.4.3, boundary behaviour B1).
func SequenceNewer(seq, other uint32) bool {
	return seq-other < 0x80000000 && seq != other
}

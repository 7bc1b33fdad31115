package session

import "github.com/rustyguts/mediaplane/wire"

// Kind is the router's action classification for one inbound PacketWrapper,
// grounded on original_source's session_logic.rs InboundAction /
// packet_handler.classify_packet, but folded into the wire package's richer
// PacketType/MediaType taxonomy rather than a byte-prefix sniff.
type Kind int

const (
	// KindUnknown is an envelope whose PacketType the router doesn't
	// recognize — logged and dropped, never fatal (§4.1).
	KindUnknown Kind = iota
	// KindRtt is echoed back to the sender verbatim, never forwarded.
	KindRtt
	// KindHeartbeat resets the session's liveness deadline and is never
	// forwarded.
	KindHeartbeat
	// KindTelemetry (Health/Diagnostics) is consumed locally by the
	// telemetry sink and never forwarded to peers.
	KindTelemetry
	// KindMedia (Audio/Video/Screen) is fanned out to the session's room,
	// subject to the Testing/Active gate.
	KindMedia
	// KindOpaque (Connection, AesKey, RsaPubKey, Meeting) is forwarded to
	// the room as opaque bytes regardless of Testing/Active state — peers
	// perform their own end-to-end handling of these.
	KindOpaque
)

// classify inspects a decoded PacketWrapper (and, for PacketMedia, its inner
// MediaPacket sub-kind) and returns the router action it implies.
func classify(pw *wire.PacketWrapper) (kind Kind, mp *wire.MediaPacket, err error) {
	switch pw.PacketType {
	case wire.PacketHealth, wire.PacketDiagnostics:
		return KindTelemetry, nil, nil
	case wire.PacketConnection, wire.PacketAesKey, wire.PacketRsaPubKey, wire.PacketMeeting:
		return KindOpaque, nil, nil
	case wire.PacketMedia:
		m := &wire.MediaPacket{}
		if err := m.Unmarshal(pw.Data); err != nil {
			return KindUnknown, nil, err
		}
		switch m.MediaType {
		case wire.MediaRtt:
			return KindRtt, m, nil
		case wire.MediaHeartbeat:
			return KindHeartbeat, m, nil
		case wire.MediaAudio, wire.MediaVideo, wire.MediaScreen:
			return KindMedia, m, nil
		default:
			return KindUnknown, m, nil
		}
	default:
		return KindUnknown, nil, nil
	}
}

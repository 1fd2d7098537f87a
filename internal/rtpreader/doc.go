// Package rtpreader depacketizes RTP payloads into access units.
//
// A [Reader] is created per track with [New] from the track's
// [PayloadFormat]. The caller registers the output with CreateTracks,
// optionally sets the timeline baseline with OnReceivingFirstPacket, and
// then hands every received packet to Consume in sequence-number order.
// Complete access units are delivered to the [TrackOutput] in Annex B form
// (H.264, H.265) or as raw frames (VP9), stamped with a presentation time
// in microseconds relative to the first packet.
//
// H.265 follows RFC 7798 (single NAL unit, aggregation and fragmentation
// unit packets), H.264 follows RFC 6184 non-interleaved mode (single NAL
// unit, STAP-A and FU-A), and VP9 follows RFC 9628 non-flexible mode.
//
// Readers are not safe for concurrent use.
package rtpreader

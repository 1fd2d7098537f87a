// Package demux parses H.264 and H.265 elementary stream syntax: Annex B
// framing, NAL unit classification, SPS fields (resolution, codec string,
// picture reorder depth, HRD timing), and SEI messages including
// pic_timing timecodes and ATSC A/53 caption payloads.
//
// The RTP depacketizers reassemble access units in Annex B form and use
// these helpers to describe the track; the pipeline uses them to split
// access units back into NAL units and pull out SEI.
package demux

// Package moq serializes reconstructed video frames for delivery over MoQ
// Transport (draft-ietf-moq-transport-15) data streams with LOC header
// extensions, and reads such streams back. It also converts access units
// between Annex B and length-prefixed form and builds the decoder
// configuration records carried on keyframes.
//
// This package contains no session or relay logic. Each group is written
// to its own stream obtained from a caller-supplied opener, which may be
// a QUIC stream or a file.
package moq

// This package implements the deterministic encoding used for anything
// pairwise signs, authenticates or persists as an opaque blob: handshake
// messages, envelope headers and device sync events. The grammar is bencode;
// structs encode as dicts keyed by their `wire` tag in sorted order, so the
// same value always produces the same bytes.
package wire

const (
	numberStart    = 'i'
	listStart      = 'l'
	dictStart      = 'd'
	valueEnd       = 'e'
	bytesLengthSep = ':'
)

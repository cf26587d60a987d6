// Package mifare implements the station side of the tag identity protocol on
// Mifare Classic 1K tags.
//
// A tag moves through three physical states. A blank tag is Unencoded. The
// Encoder writes the chip id to the public block 1 and the chip id, salt and
// checksum to blocks 4, 5 and 8, leaving the tag Encoded. It then rewrites the
// trailers of sectors 1 and 2 with the chip's derived key, leaving the tag
// Protected. Once a trailer is rewritten the factory key no longer opens that
// sector, so failures past that point are reported as
// *interfaces.PartialEncodingFailure and the tag is scrapped.
//
// The Verifier reads the same blocks back with the derived key. A wrong key on
// the protected sectors means a possible clone; a bad checksum means a
// possible corruption. VerifyBlocks holds the pure checks and is also used by
// the server for activations relayed from mobile clients.
//
// ReaderPool serialises access to physical readers. SimulatedReader and
// SimulatedCard stand in for hardware in tests and in the station's sim mode.
package mifare

// Package tmcbor contains a [tmcodec.Codec] implementation
// that encodes messages as canonical CBOR.
//
// Each message is encoded as a CBOR array of its fields,
// so field names never appear on the wire.
// Decoding is strict: unknown fields, duplicate map keys
// and indefinite-length items are rejected.
package tmcbor

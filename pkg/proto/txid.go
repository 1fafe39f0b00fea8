// Package proto reads and writes the DNS transaction ID of a raw wire-format message
// without decoding the rest of it.
package proto

import "encoding/binary"

// TxIDSize is the length of the transaction ID field at the start of every message.
const TxIDSize = 2

// HasTxID reports whether msg is long enough to carry a transaction ID.
func HasTxID(msg []byte) bool {
	return len(msg) >= TxIDSize
}

// ReadTxID returns the big-endian transaction ID stored in bytes 0-1 of msg.
// Callers must check HasTxID first; a shorter message panics.
func ReadTxID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[:TxIDSize])
}

// WriteTxID overwrites bytes 0-1 of msg with id.
func WriteTxID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[:TxIDSize], id)
}

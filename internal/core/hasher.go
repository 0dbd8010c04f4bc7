package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// PayloadHash is the hex SHA-256 of a raw inbound payload.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// FieldsHash hashes length-prefixed fields, so ("ab","c") and ("a","bc")
// differ. Used for internally generated audit events.
func FieldsHash(fields ...string) string {
	hasher := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f)))
		hasher.Write(lenBuf[:])
		hasher.Write([]byte(f))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

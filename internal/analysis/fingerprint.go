// Package analysis derives the identity and search index of error reports.
// Everything here is pure: no I/O, no shared state.
package analysis

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
)

// Fingerprint computes a stable SHA-256 fingerprint for a (message, backtrace)
// pair. Every part is length-prefixed, so distinct pairs never share an input
// stream. No normalization is applied: frames that differ only by a line number
// produce different fingerprints.
func Fingerprint(message string, backtrace []string) string {
	h := sha256.New()
	var lenBuf [binary.MaxVarintLen64]byte

	write := func(s string) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:n])
		h.Write([]byte(s))
	}

	write(message)
	n := binary.PutUvarint(lenBuf[:], uint64(len(backtrace)))
	h.Write(lenBuf[:n])
	for _, frame := range backtrace {
		write(frame)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// SameSignature reports exact equality: identical message and identical
// frames in identical order. Used to confirm a fingerprint hit.
func SameSignature(messageA string, backtraceA []string, messageB string, backtraceB []string) bool {
	return messageA == messageB && slices.Equal(backtraceA, backtraceB)
}

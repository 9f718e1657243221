package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/mit-pdos/logwal/common"
	"github.com/mit-pdos/logwal/util"
)

// Block format: a fixed-size header, followed by an opaque payload
// region, followed by a trailing skip record. The logical record encoding
// within the payload region is this package's concern alone — producers
// own that region exclusively once Allocate returns and encode whatever
// they like into it.
const (
	// headerSize is {lsn, nrec, checksum}, plus 4 bytes of padding to
	// keep the payload region 8-byte aligned.
	headerSize = 24
	// skipRecordSize is {type, next_lsn, payload_end}, padded the same way.
	skipRecordSize = 24

	skipRecordType = byte(1)
)

// blockSize computes the total byte size of a block with a
// payloadBytes-sized body, aligned to align. The record count does not
// affect the size.
func blockSize(payloadBytes uint64, align uint64) uint64 {
	raw := headerSize + payloadBytes + skipRecordSize
	return util.AlignUp(raw, align)
}

// writeHeader writes the block header at the start of block.
func writeHeader(block []byte, lsn common.LSN, nrec uint32) {
	binary.LittleEndian.PutUint64(block[0:8], lsn.Offset)
	binary.LittleEndian.PutUint32(block[8:12], lsn.SegNum)
	binary.LittleEndian.PutUint32(block[12:16], nrec)
	binary.LittleEndian.PutUint32(block[16:20], 0) // checksum, filled by finalizeChecksum
	binary.LittleEndian.PutUint32(block[20:24], 0) // padding
}

func headerNRec(block []byte) uint32 {
	return binary.LittleEndian.Uint32(block[12:16])
}

func setHeaderNRec(block []byte, nrec uint32) {
	binary.LittleEndian.PutUint32(block[12:16], nrec)
}

// writeSkipRecord writes a skip record at block[offset:offset+skipRecordSize].
func writeSkipRecord(block []byte, offset int, nextLSNOffset common.LSNOffset, payloadEnd uint32) {
	rec := block[offset : offset+skipRecordSize]
	rec[0] = skipRecordType
	binary.LittleEndian.PutUint64(rec[8:16], nextLSNOffset)
	binary.LittleEndian.PutUint32(rec[16:20], payloadEnd)
}

func skipRecordNextLSNOffset(rec []byte) common.LSNOffset {
	return binary.LittleEndian.Uint64(rec[8:16])
}

func skipRecordPayloadEnd(rec []byte) uint32 {
	return binary.LittleEndian.Uint32(rec[16:20])
}

// finalizeChecksum computes the CRC32 (IEEE) of block with the checksum
// field zeroed, and writes it back into that field.
func finalizeChecksum(block []byte) {
	binary.LittleEndian.PutUint32(block[16:20], 0)
	sum := crc32.ChecksumIEEE(block)
	binary.LittleEndian.PutUint32(block[16:20], sum)
}

func verifyChecksum(block []byte) bool {
	want := binary.LittleEndian.Uint32(block[16:20])
	binary.LittleEndian.PutUint32(block[16:20], 0)
	got := crc32.ChecksumIEEE(block)
	binary.LittleEndian.PutUint32(block[16:20], want)
	return got == want
}

// payloadBounds returns the [start, end) byte range within a block of
// total size nbytes that the producer owns for its payload, excluding the
// header and trailing skip record.
func payloadBounds(nbytes uint64) (start, end uint64) {
	return headerSize, nbytes - skipRecordSize
}

// rewriteAsEmptySkip implements Discard's block rewrite: copy the
// trailing skip record to slot 0, set its payload_end to 0, set nrec to
// 0, and recompute the checksum.
func rewriteAsEmptySkip(block []byte) {
	nbytes := uint64(len(block))
	tailOff := int(nbytes - skipRecordSize)
	nextLSNOffset := skipRecordNextLSNOffset(block[tailOff:])
	copy(block[headerSize:headerSize+skipRecordSize], block[tailOff:tailOff+skipRecordSize])
	writeSkipRecord(block, headerSize, nextLSNOffset, 0)
	setHeaderNRec(block, 0)
	finalizeChecksum(block)
}

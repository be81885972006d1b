package mdfs

import "hash/crc32"

// Record types and flags for directory entry sets.
const (
	recTypeEnd     = 0
	recTypePrimary = 1
	recTypeName    = 2

	flagValid   = 1
	flagDeleted = 2

	EntryTypeFile = 1
	EntryTypeDir  = 2

	nameBytesPerRecord = 31
	recordBytes        = 32
)

const slotsPerBlock = BlockSize / recordBytes

// dirEntry is one decoded, live directory entry plus its position within
// the containing block (for dir_remove).
type dirEntry struct {
	Name        string
	Inode       uint32
	EntryType   byte
	slot        int
	recordCount int
}

// blockWalk is the result of scanning one directory block: the live
// entries found, and the slot index where the untouched
// (never-written) tail of the block begins.
type blockWalk struct {
	entries  []dirEntry
	freeSlot int
}

// walkDirBlock implements the directory scan loop verbatim:
// "if rec_type==0 stop; if entry is non-PRIMARY or DELETED or VALID bit
// clear, advance by record_count (or 1 if malformed); else verify
// checksum and emit."
func walkDirBlock(block []byte) blockWalk {
	var w blockWalk
	slot := 0
	for slot < slotsPerBlock {
		off := slot * recordBytes
		switch block[off] {
		case recTypeEnd:
			w.freeSlot = slot
			return w
		case recTypePrimary:
			flags := block[off+1]
			entryType := block[off+2]
			recordCount := int(le.Uint16(block[off+4 : off+6]))
			nameLen := int(le.Uint16(block[off+6 : off+8]))
			inodeNum := le.Uint32(block[off+8 : off+12])
			storedCk := le.Uint32(block[off+12 : off+16])

			if recordCount < 1 || slot+recordCount > slotsPerBlock {
				slot++
				continue
			}
			if flags&flagValid == 0 || flags&flagDeleted != 0 {
				slot += recordCount
				continue
			}
			setBytes := make([]byte, recordCount*recordBytes)
			copy(setBytes, block[off:off+recordCount*recordBytes])
			le.PutUint32(setBytes[12:16], 0)
			if crc32.ChecksumIEEE(setBytes) != storedCk {
				slot += recordCount
				continue
			}
			w.entries = append(w.entries, dirEntry{
				Name: decodeEntryName(block, slot, recordCount, nameLen),
				Inode: inodeNum, EntryType: entryType,
				slot: slot, recordCount: recordCount,
			})
			slot += recordCount
		default:
			slot++
		}
	}
	w.freeSlot = slotsPerBlock
	return w
}

func decodeEntryName(block []byte, primarySlot, recordCount, nameLen int) string {
	buf := make([]byte, 0, recordCount*nameBytesPerRecord)
	for i := 1; i < recordCount; i++ {
		off := (primarySlot + i) * recordBytes
		buf = append(buf, block[off+1:off+recordBytes]...)
	}
	if len(buf) > nameLen {
		buf = buf[:nameLen]
	}
	return string(buf)
}

// neededRecords returns the record count (primary + name records) an
// entry set for name requires: 1 + ceil(name_len/31).
func neededRecords(name string) int {
	n := len(name)
	nameRecs := (n + nameBytesPerRecord - 1) / nameBytesPerRecord
	return 1 + nameRecs
}

// encodeEntrySet builds a fresh, checksummed entry set for name.
func encodeEntrySet(name string, inodeNum uint32, entryType byte) []byte {
	nameBytes := []byte(name)
	recordCount := neededRecords(name)
	set := make([]byte, recordCount*recordBytes)

	set[0] = recTypePrimary
	set[1] = flagValid
	set[2] = entryType
	le.PutUint16(set[4:6], uint16(recordCount))
	le.PutUint16(set[6:8], uint16(len(nameBytes)))
	le.PutUint32(set[8:12], inodeNum)
	// set[12:16] (checksum) left zero for the CRC pass below.

	for i := 1; i < recordCount; i++ {
		off := i * recordBytes
		set[off] = recTypeName
		lo := (i - 1) * nameBytesPerRecord
		hi := lo + nameBytesPerRecord
		if hi > len(nameBytes) {
			hi = len(nameBytes)
		}
		copy(set[off+1:off+recordBytes], nameBytes[lo:hi])
	}

	le.PutUint32(set[12:16], crc32.ChecksumIEEE(set))
	return set
}

// markDeleted sets the DELETED flag on the primary record at slot within
// block and recomputes the checksum, preserving record_count so scanners
// still skip the correct number of records.
func markDeleted(block []byte, slot, recordCount int) {
	off := slot * recordBytes
	block[off+1] |= flagDeleted
	le.PutUint32(block[off+12:off+16], 0)
	set := block[off : off+recordCount*recordBytes]
	ck := crc32.ChecksumIEEE(set)
	le.PutUint32(block[off+12:off+16], ck)
}

package zipfmt

import "encoding/binary"

const centralDirSignature = 0x02014B50

// centralDirFixedLen is the length of a central-directory file header from
// the signature up to and including the local-header-offset field, before
// the variable-length filename/extra/comment fields.
const centralDirFixedLen = 46

// CentralDirEntry is the subset of a central-directory file header that
// callers of ScanCentralDirectory need.
type CentralDirEntry struct {
	Filename         string
	CompressedSize   uint32
	UncompressedSize uint32
	CRC32            uint32
}

// ScanCentralDirectory reads consecutive central-directory file headers
// (signature 0x02014B50) starting at the beginning of data, returning
// every entry it can parse. It stops as soon as the current offset does
// not hold the signature or the current entry is cut short, keeping the
// entries parsed before that point. A probed offset that misaligns with
// the true central directory (for example, because the document id isn't
// the expected UUID length) yields no entries rather than a spurious hit
// found by scanning ahead; when no entry at all is parsed, it returns a
// ZipError.
func ScanCentralDirectory(data []byte) ([]CentralDirEntry, error) {
	var entries []CentralDirEntry

	offset := 0
	for {
		if !hasSignature(data[offset:], centralDirSignature) {
			break
		}

		if offset+centralDirFixedLen > len(data) {
			break
		}
		h := data[offset : offset+centralDirFixedLen]

		compressedSize := binary.LittleEndian.Uint32(h[20:24])
		uncompressedSize := binary.LittleEndian.Uint32(h[24:28])
		crc := binary.LittleEndian.Uint32(h[16:20])
		filenameLen := int(binary.LittleEndian.Uint16(h[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(h[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(h[32:34]))

		entryEnd := offset + centralDirFixedLen + filenameLen + extraLen + commentLen
		if entryEnd > len(data) {
			break
		}
		filename := string(data[offset+centralDirFixedLen : offset+centralDirFixedLen+filenameLen])

		entries = append(entries, CentralDirEntry{
			Filename:         filename,
			CompressedSize:   compressedSize,
			UncompressedSize: uncompressedSize,
			CRC32:            crc,
		})

		offset = entryEnd
	}

	if len(entries) == 0 {
		return nil, &ZipError{Op: "scan central directory", Err: errNoSignature}
	}
	return entries, nil
}

// hasSignature reports whether data begins with the little-endian 4-byte
// signature.
func hasSignature(data []byte, signature uint32) bool {
	if len(data) < 4 {
		return false
	}
	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], signature)
	return data[0] == want[0] && data[1] == want[1] && data[2] == want[2] && data[3] == want[3]
}

package zipfmt

import (
	"bytes"
	"compress/bzip2"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/kjk/lzma"
)

const localHeaderSignature = 0x04034B50

// localHeaderFixedLen is the length of a local-file-header record from
// just after the signature through the extra-field-length field.
const localHeaderFixedLen = 26

// Compression method ids, as stored in a local file header.
const (
	methodStore  = 0
	methodDeflate = 8
	methodBzip2  = 12
	methodLZMA   = 14
)

// Entry is a single decoded local-file-header record: the inner filename
// and its decompressed contents. Contents is nil if the stream was
// truncated before the declared compressed size was reached - callers
// treat that as "no data yet", not as an error.
type Entry struct {
	Filename string
	Contents []byte
	CRC32    uint32
}

// ReadLocalEntry reads one local-file-header record from r: the fixed
// header, filename, extra field, and compressed data, and returns it
// decompressed. It does not attempt to read past the single entry, so
// callers scanning a full archive must call it repeatedly.
func ReadLocalEntry(r io.Reader) (*Entry, error) {
	var sig [4]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, &ZipError{Op: "read local header signature", Err: err}
	}
	if binary.LittleEndian.Uint32(sig[:]) != localHeaderSignature {
		return nil, &ZipError{Op: "read local header", Err: errNoSignature}
	}

	fixed := make([]byte, localHeaderFixedLen)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, &ZipError{Op: "read local header", Err: err}
	}

	method := binary.LittleEndian.Uint16(fixed[4:6])
	crc := binary.LittleEndian.Uint32(fixed[10:14])
	compressedSize := binary.LittleEndian.Uint32(fixed[14:18])
	uncompressedSize := binary.LittleEndian.Uint32(fixed[18:22])
	filenameLen := binary.LittleEndian.Uint16(fixed[22:24])
	extraLen := binary.LittleEndian.Uint16(fixed[24:26])

	filenameBuf := make([]byte, filenameLen)
	if _, err := io.ReadFull(r, filenameBuf); err != nil {
		return nil, &ZipError{Op: "read filename", Err: err}
	}

	extraBuf := make([]byte, extraLen)
	if _, err := io.ReadFull(r, extraBuf); err != nil {
		return nil, &ZipError{Op: "read extra field", Err: err}
	}

	compressed := make([]byte, compressedSize)
	n, err := io.ReadFull(r, compressed)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, &ZipError{Op: "read compressed data", Err: err}
	}
	if uint32(n) != compressedSize {
		// Truncated stream: the document blob was only partially fetched.
		// Not an error - the entry comes back with nil Contents so the
		// caller still learns the filename.
		return &Entry{Filename: string(filenameBuf)}, nil
	}

	contents, err := decompress(method, compressed, uncompressedSize)
	if err != nil {
		return nil, &ZipError{Op: "decompress entry", Err: err}
	}

	if crc != 0 && crc32.ChecksumIEEE(contents) != crc {
		return nil, &ZipError{Op: "verify checksum", Err: errChecksumMismatch}
	}

	return &Entry{Filename: string(filenameBuf), Contents: contents, CRC32: crc}, nil
}

func decompress(method uint16, compressed []byte, uncompressedSize uint32) ([]byte, error) {
	switch method {
	case methodStore:
		return compressed, nil
	case methodDeflate:
		r := flate.NewReader(bytes.NewReader(compressed))
		defer r.Close()
		return io.ReadAll(r)
	case methodBzip2:
		return io.ReadAll(bzip2.NewReader(bytes.NewReader(compressed)))
	case methodLZMA:
		return decompressLZMA(compressed, uncompressedSize)
	default:
		return nil, errUnsupportedMethod
	}
}

// decompressLZMA translates the ZIP-stored LZMA property block (a 2-byte
// version, a 2-byte property-size, and the properties themselves) into
// the classic .lzma stream header (5 bytes of properties followed by an
// 8-byte little-endian uncompressed size) that the lzma package's reader
// expects. The local header's own uncompressed-size field is threaded
// through rather than substituted with "unknown", since the ZIP entry
// already carries it and most entries are not encoded with an explicit
// end-of-stream marker.
func decompressLZMA(compressed []byte, uncompressedSize uint32) ([]byte, error) {
	if len(compressed) < 4 {
		return nil, errTruncatedLZMAHeader
	}
	psize := int(binary.LittleEndian.Uint16(compressed[2:4]))
	if len(compressed) < 4+psize {
		return nil, errTruncatedLZMAHeader
	}
	props := compressed[4 : 4+psize]
	stream := compressed[4+psize:]

	var header bytes.Buffer
	header.Write(props)
	var sizeField [8]byte
	binary.LittleEndian.PutUint64(sizeField[:], uint64(uncompressedSize))
	header.Write(sizeField[:])
	header.Write(stream)

	r := lzma.NewReader(bytes.NewReader(header.Bytes()))
	defer r.Close()
	return io.ReadAll(r)
}

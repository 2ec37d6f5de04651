// Package ometiff reads channels out of OME-TIFF files and writes the
// multi-page mask files produced by the segmentation commands.
//
// Only classic TIFF is handled. BigTIFF files are rejected with an input error.
package ometiff

import (
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"wsiseg/internal/wserr"
)

// TIFF tags used by the reader and writer
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagPredictor        = 317
	tagTileWidth        = 322
	tagSampleFormat     = 339
)

// TIFF field types
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

// Compression schemes
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionPackBits   = 32773
	compressionDeflateOld = 32946
)

// Sample formats
const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

var typeSize = map[uint16]int{typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8}

// Page describes one image file directory
type Page struct {
	// Offset is the file position of the IFD
	Offset int64

	Width           int
	Height          int
	BitsPerSample   int
	SamplesPerPixel int
	SampleFormat    int
	Compression     int
	Predictor       int
	Tiled           bool
	Description     string

	RowsPerStrip    int
	StripOffsets    []int64
	StripByteCounts []int64
}

// PixelType names the sample type the way OME-XML does
func (p Page) PixelType() string {
	switch {
	case p.SampleFormat == sampleFloat && p.BitsPerSample == 32:
		return "float"
	case p.SampleFormat == sampleFloat && p.BitsPerSample == 64:
		return "double"
	case p.SampleFormat == sampleInt:
		return "int" + strconv.Itoa(p.BitsPerSample)
	}
	return "uint" + strconv.Itoa(p.BitsPerSample)
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   [4]byte
}

// readHeader returns the byte order and first IFD offset
func readHeader(r io.ReaderAt) (binary.ByteOrder, int64, error) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, 0, wserr.WrapInput(err, "reading TIFF header")
	}
	var order binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, 0, wserr.Input("not a TIFF file")
	}
	switch order.Uint16(hdr[2:4]) {
	case 42:
	case 43:
		return nil, 0, wserr.Input("BigTIFF files are not supported")
	default:
		return nil, 0, wserr.Input("not a TIFF file")
	}
	return order, int64(order.Uint32(hdr[4:8])), nil
}

// readPages walks the IFD chain starting at first
func readPages(r io.ReaderAt, order binary.ByteOrder, first int64) ([]Page, error) {
	var pages []Page
	seen := make(map[int64]bool)
	for off := first; off != 0; {
		if seen[off] {
			return nil, wserr.Input("IFD chain loops at offset %d", off)
		}
		seen[off] = true

		entries, next, err := readIFD(r, order, off)
		if err != nil {
			return nil, err
		}
		p, err := pageFromEntries(r, order, entries)
		if err != nil {
			return nil, errors.WithMessagef(err, "page %d", len(pages))
		}
		p.Offset = off
		pages = append(pages, p)
		off = next
	}
	if len(pages) == 0 {
		return nil, wserr.Input("TIFF file has no images")
	}
	return pages, nil
}

func readIFD(r io.ReaderAt, order binary.ByteOrder, off int64) ([]ifdEntry, int64, error) {
	var cnt [2]byte
	if _, err := r.ReadAt(cnt[:], off); err != nil {
		return nil, 0, wserr.WrapInput(err, "reading IFD at %d", off)
	}
	n := int(order.Uint16(cnt[:]))
	buf := make([]byte, n*12+4)
	if _, err := r.ReadAt(buf, off+2); err != nil {
		return nil, 0, wserr.WrapInput(err, "reading IFD at %d", off)
	}
	entries := make([]ifdEntry, n)
	for i := range entries {
		e := buf[i*12 : (i+1)*12]
		entries[i] = ifdEntry{tag: order.Uint16(e[0:2]), typ: order.Uint16(e[2:4]), count: order.Uint32(e[4:8])}
		copy(entries[i].raw[:], e[8:12])
	}
	return entries, int64(order.Uint32(buf[n*12:])), nil
}

// entryBytes returns the payload of an entry, following the offset when it
// does not fit inline
func entryBytes(r io.ReaderAt, order binary.ByteOrder, e ifdEntry) ([]byte, error) {
	size := typeSize[e.typ] * int(e.count)
	if size <= 4 {
		return e.raw[:size], nil
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, int64(order.Uint32(e.raw[:]))); err != nil {
		return nil, wserr.WrapInput(err, "reading tag %d", e.tag)
	}
	return buf, nil
}

// entryInts decodes an integer-valued entry
func entryInts(r io.ReaderAt, order binary.ByteOrder, e ifdEntry) ([]int64, error) {
	b, err := entryBytes(r, order, e)
	if err != nil {
		return nil, err
	}
	out := make([]int64, e.count)
	for i := range out {
		switch e.typ {
		case typeByte:
			out[i] = int64(b[i])
		case typeShort:
			out[i] = int64(order.Uint16(b[2*i:]))
		case typeLong:
			out[i] = int64(order.Uint32(b[4*i:]))
		default:
			return nil, wserr.Input("tag %d has non-integer type %d", e.tag, e.typ)
		}
	}
	return out, nil
}

func pageFromEntries(r io.ReaderAt, order binary.ByteOrder, entries []ifdEntry) (Page, error) {
	p := Page{BitsPerSample: 1, SamplesPerPixel: 1, SampleFormat: sampleUint, Compression: compressionNone, Predictor: 1}
	first := func(e ifdEntry) (int, error) {
		v, err := entryInts(r, order, e)
		if err != nil {
			return 0, err
		}
		if len(v) == 0 {
			return 0, wserr.Input("tag %d is empty", e.tag)
		}
		if v[0] > math.MaxInt32 {
			return 0, wserr.Input("tag %d value %d out of range", e.tag, v[0])
		}
		return int(v[0]), nil
	}

	var err error
	for _, e := range entries {
		switch e.tag {
		case tagImageWidth:
			p.Width, err = first(e)
		case tagImageLength:
			p.Height, err = first(e)
		case tagBitsPerSample:
			p.BitsPerSample, err = first(e)
		case tagSamplesPerPixel:
			p.SamplesPerPixel, err = first(e)
		case tagSampleFormat:
			p.SampleFormat, err = first(e)
		case tagCompression:
			p.Compression, err = first(e)
		case tagPredictor:
			p.Predictor, err = first(e)
		case tagRowsPerStrip:
			p.RowsPerStrip, err = first(e)
		case tagTileWidth:
			p.Tiled = true
		case tagStripOffsets:
			p.StripOffsets, err = entryInts(r, order, e)
		case tagStripByteCounts:
			p.StripByteCounts, err = entryInts(r, order, e)
		case tagImageDescription:
			var b []byte
			b, err = entryBytes(r, order, e)
			p.Description = trimNUL(b)
		}
		if err != nil {
			return p, err
		}
	}
	if p.Width <= 0 || p.Height <= 0 {
		return p, wserr.Input("image has invalid size %dx%d", p.Width, p.Height)
	}
	if p.RowsPerStrip <= 0 || p.RowsPerStrip > p.Height {
		p.RowsPerStrip = p.Height
	}
	return p, nil
}

func trimNUL(b []byte) string {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// pageReader presents a single page of a multi-page TIFF as if it were the
// first IFD, so decoders that only read the first image can decode any page
type pageReader struct {
	r     io.ReaderAt
	patch [4]byte
	pos   int64
}

func newPageReader(r io.ReaderAt, order binary.ByteOrder, ifdOffset int64) *pageReader {
	pr := &pageReader{r: r}
	order.PutUint32(pr.patch[:], uint32(ifdOffset))
	return pr
}

func (pr *pageReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := pr.r.ReadAt(p, off)
	for i := int64(4); i < 8; i++ {
		if j := i - off; j >= 0 && j < int64(n) {
			p[j] = pr.patch[i-4]
		}
	}
	return n, err
}

func (pr *pageReader) Read(p []byte) (int, error) {
	n, err := pr.ReadAt(p, pr.pos)
	pr.pos += int64(n)
	return n, err
}

package ometiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
)

// rowsPerStrip bounds the uncompressed size of a strip to a few MiB for
// typical slide widths
const rowsPerStrip = 64

// outPage is a page queued for writing
type outPage struct {
	width, height int
	bits          int
	format        int
	description   string
	pixels        []byte
}

// Writer collects pages and writes them as one little-endian TIFF file
type Writer struct {
	// Compress enables Deflate compression of the strips
	Compress bool

	pages []outPage
}

// NewWriter creates an empty writer
func NewWriter(compress bool) *Writer {
	return &Writer{Compress: compress}
}

// Len returns the number of queued pages
func (w *Writer) Len() int {
	return len(w.pages)
}

// AddMask queues a binary mask as an 8-bit page with values 0 and 1
func (w *Writer) AddMask(m *models.BinaryMask, description string) {
	px := make([]byte, len(m.Data))
	for i, v := range m.Data {
		if v != 0 {
			px[i] = 1
		}
	}
	w.pages = append(w.pages, outPage{width: m.Width, height: m.Height, bits: 8, format: sampleUint, description: description, pixels: px})
}

// AddField queues a scalar field as a 32-bit float page
func (w *Writer) AddField(f *models.ScalarField, description string) {
	px := make([]byte, 4*len(f.Data))
	for i, v := range f.Data {
		binary.LittleEndian.PutUint32(px[4*i:], math.Float32bits(v))
	}
	w.pages = append(w.pages, outPage{width: f.Width, height: f.Height, bits: 32, format: sampleFloat, description: description, pixels: px})
}

// AddLabels queues a label map as a 32-bit unsigned page
func (w *Writer) AddLabels(m *models.LabelMap, description string) {
	px := make([]byte, 4*len(m.Data))
	for i, v := range m.Data {
		binary.LittleEndian.PutUint32(px[4*i:], v)
	}
	w.pages = append(w.pages, outPage{width: m.Width, height: m.Height, bits: 32, format: sampleUint, description: description, pixels: px})
}

// Commit writes all queued pages to path. The file is written to a
// temporary name next to path and renamed into place once complete.
func (w *Writer) Commit(path string) error {
	if len(w.pages) == 0 {
		return wserr.Input("no pages to write to %s", path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating output directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "error creating temporary output file")
	}
	defer os.Remove(tmp.Name())

	if err := w.writeTo(tmp); err != nil {
		tmp.Close()
		return errors.WithMessagef(err, "writing %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "error syncing output file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "error closing output file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "error moving output into place at %s", path)
	}
	return nil
}

// offsetWriter tracks the file position and refuses to grow past the
// 32-bit offsets of classic TIFF
type offsetWriter struct {
	w   io.Writer
	pos int64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	if o.pos+int64(len(p)) > math.MaxUint32 {
		return 0, wserr.Input("output exceeds 4 GiB, which classic TIFF cannot address")
	}
	n, err := o.w.Write(p)
	o.pos += int64(n)
	return n, err
}

func (o *offsetWriter) pad() error {
	if o.pos%2 == 0 {
		return nil
	}
	_, err := o.Write([]byte{0})
	return err
}

type tagValue struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func (w *Writer) writeTo(f io.WriterAt) error {
	le := binary.LittleEndian
	ow := &offsetWriter{w: io.NewOffsetWriter(f, 0)}

	// header, first IFD offset is patched at the end
	if _, err := ow.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0}); err != nil {
		return err
	}

	ifdOffsets := make([]int64, len(w.pages))
	nextFields := make([]int64, len(w.pages))
	for i, p := range w.pages {
		offsets, counts, err := w.writeStrips(ow, p)
		if err != nil {
			return errors.WithMessagef(err, "page %d", i)
		}

		tags := w.pageTags(p, len(offsets))
		tags = append(tags,
			longsTag(tagStripOffsets, offsets),
			longsTag(tagStripByteCounts, counts),
		)
		sort.Slice(tags, func(a, b int) bool { return tags[a].tag < tags[b].tag })

		// out-of-line values go before the IFD
		valueOffsets := make([]uint32, len(tags))
		for t, tv := range tags {
			if len(tv.data) <= 4 {
				continue
			}
			if err := ow.pad(); err != nil {
				return err
			}
			valueOffsets[t] = uint32(ow.pos)
			if _, err := ow.Write(tv.data); err != nil {
				return err
			}
		}

		if err := ow.pad(); err != nil {
			return err
		}
		ifdOffsets[i] = ow.pos
		var ifd bytes.Buffer
		binary.Write(&ifd, le, uint16(len(tags)))
		for t, tv := range tags {
			var e [12]byte
			le.PutUint16(e[0:], tv.tag)
			le.PutUint16(e[2:], tv.typ)
			le.PutUint32(e[4:], tv.count)
			if len(tv.data) <= 4 {
				copy(e[8:], tv.data)
			} else {
				le.PutUint32(e[8:], valueOffsets[t])
			}
			ifd.Write(e[:])
		}
		nextFields[i] = ow.pos + int64(ifd.Len())
		ifd.Write([]byte{0, 0, 0, 0})
		if _, err := ow.Write(ifd.Bytes()); err != nil {
			return err
		}
	}

	// link the chain
	var buf [4]byte
	le.PutUint32(buf[:], uint32(ifdOffsets[0]))
	if _, err := f.WriteAt(buf[:], 4); err != nil {
		return errors.Wrap(err, "error writing TIFF header")
	}
	for i := 0; i+1 < len(w.pages); i++ {
		le.PutUint32(buf[:], uint32(ifdOffsets[i+1]))
		if _, err := f.WriteAt(buf[:], nextFields[i]); err != nil {
			return errors.Wrap(err, "error linking IFDs")
		}
	}
	return nil
}

// writeStrips writes the pixel data of p and returns strip offsets and sizes
func (w *Writer) writeStrips(ow *offsetWriter, p outPage) ([]int64, []int64, error) {
	rowBytes := p.width * p.bits / 8
	var offsets, counts []int64
	for y := 0; y < p.height; y += rowsPerStrip {
		rows := min(rowsPerStrip, p.height-y)
		chunk := p.pixels[y*rowBytes : (y+rows)*rowBytes]
		if w.Compress {
			var zb bytes.Buffer
			zw := zlib.NewWriter(&zb)
			if _, err := zw.Write(chunk); err != nil {
				return nil, nil, errors.Wrap(err, "error compressing strip")
			}
			if err := zw.Close(); err != nil {
				return nil, nil, errors.Wrap(err, "error compressing strip")
			}
			chunk = zb.Bytes()
		}
		if err := ow.pad(); err != nil {
			return nil, nil, err
		}
		offsets = append(offsets, ow.pos)
		counts = append(counts, int64(len(chunk)))
		if _, err := ow.Write(chunk); err != nil {
			return nil, nil, err
		}
	}
	return offsets, counts, nil
}

func (w *Writer) pageTags(p outPage, strips int) []tagValue {
	compression := compressionNone
	if w.Compress {
		compression = compressionDeflate
	}
	desc := append([]byte(p.description), 0)
	return []tagValue{
		longTag(tagImageWidth, uint32(p.width)),
		longTag(tagImageLength, uint32(p.height)),
		shortTag(tagBitsPerSample, uint16(p.bits)),
		shortTag(tagCompression, uint16(compression)),
		shortTag(tagPhotometric, 1),
		{tag: tagImageDescription, typ: typeASCII, count: uint32(len(desc)), data: desc},
		shortTag(tagSamplesPerPixel, 1),
		longTag(tagRowsPerStrip, uint32(min(rowsPerStrip, p.height))),
		shortTag(tagPlanarConfig, 1),
		shortTag(tagSampleFormat, uint16(p.format)),
	}
}

func shortTag(tag uint16, v uint16) tagValue {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, v)
	return tagValue{tag: tag, typ: typeShort, count: 1, data: data}
}

func longTag(tag uint16, v uint32) tagValue {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	return tagValue{tag: tag, typ: typeLong, count: 1, data: data}
}

func longsTag(tag uint16, vs []int64) tagValue {
	data := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return tagValue{tag: tag, typ: typeLong, count: uint32(len(vs)), data: data}
}

// OMEDescription builds a minimal OME-XML block for a single-plane image
func OMEDescription(name string, width, height int, pixelType string, mpp float64) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>`+
		`<OME xmlns="http://www.openmicroscopy.org/Schemas/OME/2016-06">`+
		`<Image ID="Image:0" Name=%q><Pixels ID="Pixels:0" DimensionOrder="XYCZT" Type=%q `+
		`SizeX="%d" SizeY="%d" SizeC="1" SizeZ="1" SizeT="1" PhysicalSizeX="%g" PhysicalSizeXUnit="µm" `+
		`PhysicalSizeY="%g" PhysicalSizeYUnit="µm"><Channel ID="Channel:0:0" Name=%q SamplesPerPixel="1"/>`+
		`<TiffData/></Pixels></Image></OME>`,
		name, pixelType, width, height, mpp, mpp, name)
}

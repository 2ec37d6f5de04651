package ometiff

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
)

// Metadata summarises an OME-TIFF file
type Metadata struct {
	Path string

	// OME is set when the first page carries an OME-XML description
	OME bool

	SizeX int
	SizeY int
	SizeC int

	// PixelType is the OME pixel type (uint8, uint16, float, ...)
	PixelType string

	// PhysicalSizeX is the pixel width in microns, 0 when unknown
	PhysicalSizeX float64

	ChannelNames []string

	Pages int
}

// omeXML is the part of the OME schema the reader needs
type omeXML struct {
	Images []struct {
		Name   string `xml:"Name,attr"`
		Pixels struct {
			SizeX             int     `xml:"SizeX,attr"`
			SizeY             int     `xml:"SizeY,attr"`
			SizeC             int     `xml:"SizeC,attr"`
			Type              string  `xml:"Type,attr"`
			PhysicalSizeX     float64 `xml:"PhysicalSizeX,attr"`
			PhysicalSizeXUnit string  `xml:"PhysicalSizeXUnit,attr"`
			Channels          []struct {
				ID              string `xml:"ID,attr"`
				Name            string `xml:"Name,attr"`
				SamplesPerPixel int    `xml:"SamplesPerPixel,attr"`
			} `xml:"Channel"`
		} `xml:"Pixels"`
	} `xml:"Image"`
}

// micronsPerUnit converts OME length units into microns
var micronsPerUnit = map[string]float64{
	"":   1,
	"µm": 1,
	"um": 1,
	"nm": 1e-3,
	"mm": 1e3,
	"cm": 1e4,
	"m":  1e6,
}

// Reader gives access to the pages and channels of a TIFF file
type Reader struct {
	f     *os.File
	order binary.ByteOrder
	pages []Page
	meta  Metadata
}

// Open parses the IFD chain and OME-XML metadata of path
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wserr.WrapInput(err, "opening %s", path)
	}
	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File, path string) (*Reader, error) {
	order, first, err := readHeader(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	pages, err := readPages(f, order, first)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	r := &Reader{f: f, order: order, pages: pages}
	r.meta = r.parseMetadata(path)
	return r, nil
}

func (r *Reader) parseMetadata(path string) Metadata {
	p0 := r.pages[0]
	meta := Metadata{
		Path:      path,
		SizeX:     p0.Width,
		SizeY:     p0.Height,
		SizeC:     len(r.pages),
		PixelType: p0.PixelType(),
		Pages:     len(r.pages),
	}
	if len(r.pages) == 1 && p0.SamplesPerPixel > 1 {
		meta.SizeC = p0.SamplesPerPixel
	}

	desc := strings.TrimSpace(p0.Description)
	if !strings.Contains(desc, "<OME") {
		return meta
	}
	var doc omeXML
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil || len(doc.Images) == 0 {
		return meta
	}
	px := doc.Images[0].Pixels
	meta.OME = true
	if px.SizeX > 0 {
		meta.SizeX = px.SizeX
	}
	if px.SizeY > 0 {
		meta.SizeY = px.SizeY
	}
	if px.SizeC > 0 {
		meta.SizeC = px.SizeC
	}
	if px.Type != "" {
		meta.PixelType = px.Type
	}
	if scale, ok := micronsPerUnit[px.PhysicalSizeXUnit]; ok && px.PhysicalSizeX > 0 {
		meta.PhysicalSizeX = px.PhysicalSizeX * scale
	}
	for _, c := range px.Channels {
		meta.ChannelNames = append(meta.ChannelNames, c.Name)
	}
	return meta
}

// Close releases the file handle
func (r *Reader) Close() error {
	return r.f.Close()
}

// Metadata returns the parsed metadata
func (r *Reader) Metadata() Metadata {
	return r.meta
}

// Pages returns the IFDs of the file in order
func (r *Reader) Pages() []Page {
	return r.pages
}

// NumChannels returns the number of channels that Channel can read
func (r *Reader) NumChannels() int {
	if len(r.pages) == 1 && r.pages[0].SamplesPerPixel > 1 {
		return r.pages[0].SamplesPerPixel
	}
	return min(r.meta.SizeC, len(r.pages))
}

// Channel reads channel c as a single-channel image with raw intensities.
// Channels map to pages in order, except for single-page interleaved
// images where they map to samples.
func (r *Reader) Channel(c int) (*models.Image, error) {
	if c < 0 || c >= r.NumChannels() {
		return nil, wserr.Input("channel %d out of range, %s has %d channels", c, r.meta.Path, r.NumChannels())
	}
	page := c
	sample := 0
	if len(r.pages) == 1 && r.pages[0].SamplesPerPixel > 1 {
		page, sample = 0, c
	}
	img, err := r.ReadPage(page)
	if err != nil {
		return nil, err
	}
	if img.Channels == 1 {
		return img, nil
	}
	out := models.StackChannels(img.MPP, img.Channel(sample))
	return out, nil
}

// ReadPage decodes page i into an image with one channel per sample
func (r *Reader) ReadPage(i int) (*models.Image, error) {
	if i < 0 || i >= len(r.pages) {
		return nil, wserr.Input("page %d out of range, %s has %d pages", i, r.meta.Path, len(r.pages))
	}
	p := r.pages[i]
	var img *models.Image
	var err error
	if p.BitsPerSample == 32 && !p.Tiled {
		img, err = r.decodeNative(p)
	} else {
		img, err = r.decodeStandard(p)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s page %d", r.meta.Path, i)
	}
	img.MPP = r.meta.PhysicalSizeX
	return img, nil
}

// ReadLabels decodes a 32-bit unsigned page as an instance label map
func (r *Reader) ReadLabels(i int) (*models.LabelMap, error) {
	if i < 0 || i >= len(r.pages) {
		return nil, wserr.Input("page %d out of range, %s has %d pages", i, r.meta.Path, len(r.pages))
	}
	p := r.pages[i]
	if p.BitsPerSample != 32 || p.SampleFormat != sampleUint || p.SamplesPerPixel != 1 {
		return nil, wserr.Input("page %d of %s is %s, not a uint32 label page", i, r.meta.Path, p.PixelType())
	}
	raw, err := r.readStrips(p)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s page %d", r.meta.Path, i)
	}
	m := models.NewLabelMap(p.Height, p.Width)
	for j := range m.Data {
		m.Data[j] = r.order.Uint32(raw[4*j:])
	}
	return m, nil
}

// ReadMask decodes page i as a binary mask: every non-zero pixel is foreground
func (r *Reader) ReadMask(i int) (*models.BinaryMask, error) {
	img, err := r.ReadPage(i)
	if err != nil {
		return nil, err
	}
	mask := models.NewBinaryMask(img.Height, img.Width)
	for j := range mask.Data {
		if img.Data[j*img.Channels] != 0 {
			mask.Data[j] = 1
		}
	}
	return mask, nil
}

// decodeStandard decodes integer pages with x/image/tiff
func (r *Reader) decodeStandard(p Page) (*models.Image, error) {
	decoded, err := tiff.Decode(newPageReader(r.f, r.order, p.Offset))
	if err != nil {
		return nil, wserr.WrapInput(err, "decoding %s page", p.PixelType())
	}
	b := decoded.Bounds()
	switch src := decoded.(type) {
	case *image.Gray:
		img := models.NewImage(b.Dy(), b.Dx(), 1, 0)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				img.Data[y*b.Dx()+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return img, nil
	case *image.Gray16:
		img := models.NewImage(b.Dy(), b.Dx(), 1, 0)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				img.Data[y*b.Dx()+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return img, nil
	}

	// interleaved colour: keep up to four components at 16-bit precision
	channels := min(max(p.SamplesPerPixel, 1), 4)
	img := models.NewImage(b.Dy(), b.Dx(), channels, 0)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			cr, cg, cb, ca := decoded.At(b.Min.X+x, b.Min.Y+y).RGBA()
			comps := [4]uint32{cr, cg, cb, ca}
			for c := 0; c < channels; c++ {
				img.Set(y, x, c, float32(comps[c]))
			}
		}
	}
	return img, nil
}

// decodeNative handles the 32-bit pages x/image/tiff does not support
func (r *Reader) decodeNative(p Page) (*models.Image, error) {
	raw, err := r.readStrips(p)
	if err != nil {
		return nil, err
	}
	n := p.Width * p.Height * p.SamplesPerPixel
	img := models.NewImage(p.Height, p.Width, p.SamplesPerPixel, 0)
	for j := 0; j < n; j++ {
		bits := r.order.Uint32(raw[4*j:])
		switch p.SampleFormat {
		case sampleFloat:
			img.Data[j] = math.Float32frombits(bits)
		case sampleInt:
			img.Data[j] = float32(int32(bits))
		default:
			img.Data[j] = float32(bits)
		}
	}
	return img, nil
}

// readStrips returns the decompressed pixel bytes of a stripped page
func (r *Reader) readStrips(p Page) ([]byte, error) {
	if p.Tiled {
		return nil, wserr.Input("tiled %s pages are not supported", p.PixelType())
	}
	if p.Predictor != 1 {
		return nil, wserr.Input("predictor %d is not supported for %s pages", p.Predictor, p.PixelType())
	}
	if len(p.StripOffsets) != len(p.StripByteCounts) {
		return nil, wserr.Input("strip offsets and byte counts disagree")
	}
	want := p.Width * p.Height * p.SamplesPerPixel * p.BitsPerSample / 8
	var out bytes.Buffer
	out.Grow(want)
	for s, off := range p.StripOffsets {
		sr := io.NewSectionReader(r.f, off, p.StripByteCounts[s])
		switch p.Compression {
		case compressionNone:
			if _, err := io.Copy(&out, sr); err != nil {
				return nil, wserr.WrapInput(err, "reading strip %d", s)
			}
		case compressionDeflate, compressionDeflateOld:
			zr, err := zlib.NewReader(sr)
			if err != nil {
				return nil, wserr.WrapInput(err, "inflating strip %d", s)
			}
			_, err = io.Copy(&out, zr)
			zr.Close()
			if err != nil {
				return nil, wserr.WrapInput(err, "inflating strip %d", s)
			}
		default:
			return nil, wserr.Input("compression %d is not supported for %s pages", p.Compression, p.PixelType())
		}
	}
	if out.Len() < want {
		return nil, wserr.Input("page data is truncated: %d of %d bytes", out.Len(), want)
	}
	return out.Bytes()[:want], nil
}

// String renders the metadata the way inspect-image prints it
func (r *Reader) String() string {
	m := r.meta
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s\n", m.Path)
	if m.OME {
		sb.WriteString("Format: OME-TIFF\n")
	} else {
		sb.WriteString("Format: TIFF\n")
	}
	fmt.Fprintf(&sb, "Size: %d x %d pixels\n", m.SizeX, m.SizeY)
	fmt.Fprintf(&sb, "Pixel type: %s\n", m.PixelType)
	if m.PhysicalSizeX > 0 {
		fmt.Fprintf(&sb, "Resolution: %.4f um/pixel\n", m.PhysicalSizeX)
	} else {
		sb.WriteString("Resolution: unknown\n")
	}
	fmt.Fprintf(&sb, "Pages: %d\n", m.Pages)
	fmt.Fprintf(&sb, "Channels: %d\n", r.NumChannels())
	for c := 0; c < r.NumChannels(); c++ {
		name := ""
		if c < len(m.ChannelNames) {
			name = m.ChannelNames[c]
		}
		if name == "" {
			name = fmt.Sprintf("Channel %d", c)
		}
		fmt.Fprintf(&sb, "  [%d] %s\n", c, name)
	}
	return sb.String()
}

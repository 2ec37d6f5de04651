// Package predictor runs instance segmentation models exported to ONNX.
//
// Models take a float32 batch in NHWC layout and return one plane per tile,
// either integer instance labels or a foreground probability that is split
// into instances by connected components.
package predictor

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/instance"
)

// OutputMode says how the model output is interpreted
type OutputMode string

const (
	// OutputLabels means the output already holds instance ids
	OutputLabels OutputMode = "labels"

	// OutputProbability means the output is a foreground probability
	OutputProbability OutputMode = "probability"
)

// probabilityCutoff splits probability outputs into foreground and background
const probabilityCutoff = 0.5

// LibraryEnv overrides the configured onnxruntime shared library
const LibraryEnv = "ONNXRUNTIME_LIB"

// Options configure an ONNX session
type Options struct {
	ModelPath         string
	SharedLibraryPath string
	InputName         string
	OutputName        string
	Mode              OutputMode
	IntraOpThreads    int

	// ModelMPP is the resolution the model was trained at. Tiles at another
	// resolution are resampled before inference and the labels mapped back.
	// Zero feeds tiles at their native resolution.
	ModelMPP float64

	Logger zerolog.Logger
}

var envMu sync.Mutex

// ONNX predicts instance labels with onnxruntime
type ONNX struct {
	opts    Options
	session *ort.DynamicAdvancedSession

	// onnxruntime sessions are not safe for concurrent Run calls on the same tensors
	mu sync.Mutex
}

// NewONNX loads the model and prepares a session
func NewONNX(opts Options) (*ONNX, error) {
	if opts.Mode != OutputLabels && opts.Mode != OutputProbability {
		return nil, wserr.Configuration("unknown model output mode %q", opts.Mode)
	}
	if opts.ModelMPP < 0 {
		return nil, wserr.Configuration("model resolution must not be negative, got %g mpp", opts.ModelMPP)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, wserr.WrapInput(err, "model file %s", opts.ModelPath)
	}
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, wserr.Model(err, "creating session options")
	}
	defer options.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, wserr.Model(err, "setting intra-op threads")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName}, options)
	if err != nil {
		return nil, wserr.Model(err, "loading %s", opts.ModelPath)
	}
	opts.Logger.Info().Str("model", opts.ModelPath).Str("mode", string(opts.Mode)).
		Float64("model_mpp", opts.ModelMPP).Msg("Loaded instance model")
	return &ONNX{opts: opts, session: session}, nil
}

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if env := os.Getenv(LibraryEnv); env != "" {
		libPath = env
	}
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return wserr.Model(err, "onnxruntime library not found at %s", libPath)
		}
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return wserr.Model(err, "initializing onnxruntime")
	}
	return nil
}

// Close releases the session
func (o *ONNX) Close() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	if err != nil {
		return wserr.Model(err, "destroying session")
	}
	return nil
}

// Predict implements instance.Predictor
func (o *ONNX) Predict(ctx context.Context, batch []*models.Image, mpp float64) ([]*models.LabelMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkBatch(batch); err != nil {
		return nil, err
	}
	tileH, tileW := batch[0].Height, batch[0].Width
	data, shape, err := packNHWC(toModelResolution(batch, mpp, o.opts.ModelMPP))
	if err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(shape...), data)
	if err != nil {
		return nil, wserr.Model(err, "creating input tensor")
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	o.mu.Lock()
	err = o.session.Run([]ort.Value{input}, outputs)
	o.mu.Unlock()
	if err != nil {
		return nil, wserr.Model(err, "running model on %d tiles", len(batch))
	}
	defer outputs[0].Destroy()

	n, h, w := int(shape[0]), int(shape[1]), int(shape[2])
	var planes []*models.LabelMap
	switch t := outputs[0].(type) {
	case *ort.Tensor[float32]:
		planes, err = unpack(t.GetData(), t.GetShape(), n, h, w, o.opts.Mode)
	case *ort.Tensor[int64]:
		planes, err = unpack(t.GetData(), t.GetShape(), n, h, w, o.opts.Mode)
	case *ort.Tensor[int32]:
		planes, err = unpack(t.GetData(), t.GetShape(), n, h, w, o.opts.Mode)
	case *ort.Tensor[uint32]:
		planes, err = unpack(t.GetData(), t.GetShape(), n, h, w, o.opts.Mode)
	case *ort.Tensor[uint8]:
		planes, err = unpack(t.GetData(), t.GetShape(), n, h, w, o.opts.Mode)
	default:
		err = wserr.Model(errors.Errorf("unsupported output tensor %T", outputs[0]), "decoding output")
	}
	if err != nil {
		return nil, err
	}
	return restoreResolution(planes, tileH, tileW), nil
}

func checkBatch(batch []*models.Image) error {
	if len(batch) == 0 {
		return wserr.Input("empty batch")
	}
	h, w, c := batch[0].Height, batch[0].Width, batch[0].Channels
	for i, img := range batch {
		if img.Height != h || img.Width != w || img.Channels != c {
			return wserr.Input("tile %d is %dx%dx%d, expected %dx%dx%d",
				i, img.Height, img.Width, img.Channels, h, w, c)
		}
	}
	return nil
}

// packNHWC lays a batch of equally shaped tiles out as one NHWC buffer
func packNHWC(batch []*models.Image) ([]float32, []int64, error) {
	if err := checkBatch(batch); err != nil {
		return nil, nil, err
	}
	h, w, c := batch[0].Height, batch[0].Width, batch[0].Channels
	data := make([]float32, 0, len(batch)*h*w*c)
	for _, img := range batch {
		data = append(data, img.Data...)
	}
	return data, []int64{int64(len(batch)), int64(h), int64(w), int64(c)}, nil
}

type number interface {
	~float32 | ~int64 | ~int32 | ~uint32 | ~uint8
}

// unpack splits an [N,H,W] or [N,H,W,1] output into label maps
func unpack[T number](data []T, shape ort.Shape, n, h, w int, mode OutputMode) ([]*models.LabelMap, error) {
	dims := []int64(shape)
	if len(dims) == 4 && dims[3] == 1 {
		dims = dims[:3]
	}
	if len(dims) != 3 || dims[0] != int64(n) || dims[1] != int64(h) || dims[2] != int64(w) {
		return nil, wserr.Model(errors.Errorf("output shape %v does not match input %dx%dx%d", []int64(shape), n, h, w), "decoding output")
	}

	per := h * w
	out := make([]*models.LabelMap, n)
	for i := range out {
		plane := data[i*per : (i+1)*per]
		switch mode {
		case OutputProbability:
			mask := models.NewBinaryMask(h, w)
			for j, v := range plane {
				if float64(v) >= probabilityCutoff {
					mask.Data[j] = 1
				}
			}
			out[i] = instance.ConnectedComponents(mask, 4)
		default:
			m := models.NewLabelMap(h, w)
			for j, v := range plane {
				if v > 0 {
					m.Data[j] = uint32(v)
				}
			}
			out[i] = m
		}
	}
	return out, nil
}

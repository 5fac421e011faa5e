package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/haivivi/nl2sql/pkg/align"
)

// ORTConfig configures a transformer encoder exported to ONNX.
type ORTConfig struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default.
	LibraryPath string
	// ModelPath is the .onnx file.
	ModelPath string
	// Hidden is the width of each hidden-state output.
	Hidden int
	// MaxSeqLen bounds the combined question and header sequence.
	MaxSeqLen int
	// Outputs names the hidden-state outputs from first to last layer.
	Outputs []string
	// TargetLayers is how many of the last outputs are concatenated.
	TargetLayers int
}

// ORT runs a BERT-style encoder through onnxruntime. The input sequence is
// [CLS] question [SEP] header [SEP] header [SEP] ..., with segment 0 for the
// question and segment 1 for headers.
type ORT struct {
	tok     align.Tokenizer
	cfg     ORTConfig
	session *ort.DynamicAdvancedSession
	cls     int64
	sep     int64

	mu sync.Mutex
}

var ortInit sync.Once
var ortInitErr error

// NewORT loads the model and prepares a session.
func NewORT(tok align.Tokenizer, cfg ORTConfig) (*ORT, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("encoder: ORTConfig.ModelPath is required")
	}
	if cfg.Hidden <= 0 {
		return nil, errors.New("encoder: ORTConfig.Hidden must be positive")
	}
	if len(cfg.Outputs) == 0 {
		return nil, errors.New("encoder: ORTConfig.Outputs is empty")
	}
	if cfg.TargetLayers <= 0 || cfg.TargetLayers > len(cfg.Outputs) {
		cfg.TargetLayers = len(cfg.Outputs)
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 512
	}
	cls, ok := tok.TokenID(align.CLS)
	if !ok {
		return nil, fmt.Errorf("encoder: tokenizer has no %s", align.CLS)
	}
	sep, ok := tok.TokenID(align.SEP)
	if !ok {
		return nil, fmt.Errorf("encoder: tokenizer has no %s", align.SEP)
	}

	ortInit.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if !ort.IsInitialized() {
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("encoder: init onnxruntime: %w", ortInitErr)
	}

	outputs := cfg.Outputs[len(cfg.Outputs)-cfg.TargetLayers:]
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"}, outputs, nil)
	if err != nil {
		return nil, fmt.Errorf("encoder: open %s: %w", cfg.ModelPath, err)
	}
	return &ORT{tok: tok, cfg: cfg, session: session, cls: int64(cls), sep: int64(sep)}, nil
}

func (o *ORT) Dim() int { return o.cfg.Hidden * o.cfg.TargetLayers }

// Close destroys the session.
func (o *ORT) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}

func (o *ORT) Encode(ctx context.Context, reqs []Request) ([]*Encoding, error) {
	out := make([]*Encoding, len(reqs))
	for i, r := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc, err := o.encodeOne(r)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// layout records where each part of a request sits in the input sequence.
type layout struct {
	ids      []int64
	segments []int64
	question [2]int   // [from, to)
	headers  [][2]int // [from, to) per header
}

func (o *ORT) layout(r Request) (*layout, error) {
	l := &layout{ids: []int64{o.cls}, segments: []int64{0}}
	l.question[0] = len(l.ids)
	for _, id := range r.Alignment.IDs() {
		l.ids = append(l.ids, int64(id))
		l.segments = append(l.segments, 0)
	}
	l.question[1] = len(l.ids)
	l.ids = append(l.ids, o.sep)
	l.segments = append(l.segments, 0)

	for _, header := range r.Headers {
		ids, err := o.headerIDs(header)
		if err != nil {
			return nil, err
		}
		from := len(l.ids)
		for _, id := range ids {
			l.ids = append(l.ids, id)
			l.segments = append(l.segments, 1)
		}
		l.headers = append(l.headers, [2]int{from, len(l.ids)})
		l.ids = append(l.ids, o.sep)
		l.segments = append(l.segments, 1)
	}
	if len(l.ids) > o.cfg.MaxSeqLen {
		return nil, fmt.Errorf("%w: %d pieces exceed %d", ErrSequenceTooLong, len(l.ids), o.cfg.MaxSeqLen)
	}
	return l, nil
}

// headerIDs returns the piece IDs of a header, the unknown piece when it has
// none.
func (o *ORT) headerIDs(header string) ([]int64, error) {
	var ids []int64
	for _, word := range strings.Fields(header) {
		pieces, err := o.tok.Tokenize(word)
		if err != nil {
			return nil, err
		}
		for _, p := range pieces {
			ids = append(ids, int64(p.ID))
		}
	}
	if len(ids) == 0 {
		unk, _ := o.tok.TokenID(align.UNK)
		ids = append(ids, int64(unk))
	}
	return ids, nil
}

// QuestionBudget is MaxSeqLen less [CLS], the question's [SEP] and every
// header with its [SEP].
func (o *ORT) QuestionBudget(headers []string) (int, error) {
	n := o.cfg.MaxSeqLen - 2
	for _, header := range headers {
		ids, err := o.headerIDs(header)
		if err != nil {
			return 0, err
		}
		n -= len(ids) + 1
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: headers leave no room for the question within %d pieces", ErrSequenceTooLong, o.cfg.MaxSeqLen)
	}
	return n, nil
}

var _ Budgeter = (*ORT)(nil)

func (o *ORT) encodeOne(r Request) (*Encoding, error) {
	l, err := o.layout(r)
	if err != nil {
		return nil, err
	}
	n := int64(len(l.ids))
	shape := ort.NewShape(1, n)
	mask := make([]int64, n)
	for i := range mask {
		mask[i] = 1
	}

	ids, err := ort.NewTensor(shape, l.ids)
	if err != nil {
		return nil, err
	}
	defer ids.Destroy()
	att, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, err
	}
	defer att.Destroy()
	seg, err := ort.NewTensor(shape, l.segments)
	if err != nil {
		return nil, err
	}
	defer seg.Destroy()

	hidden := make([]*ort.Tensor[float32], o.cfg.TargetLayers)
	outputs := make([]ort.Value, len(hidden))
	for i := range hidden {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, int64(o.cfg.Hidden)))
		if err != nil {
			return nil, err
		}
		defer t.Destroy()
		hidden[i] = t
		outputs[i] = t
	}

	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return nil, errors.New("encoder: session closed")
	}
	err = o.session.Run([]ort.Value{ids, att, seg}, outputs)
	o.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("encoder: run: %w", err)
	}

	row := func(pos int) []float64 {
		v := make([]float64, 0, o.Dim())
		for _, t := range hidden {
			data := t.GetData()
			base := pos * o.cfg.Hidden
			for _, x := range data[base : base+o.cfg.Hidden] {
				v = append(v, float64(x))
			}
		}
		return v
	}

	enc := &Encoding{}
	for pos := l.question[0]; pos < l.question[1]; pos++ {
		enc.Question = append(enc.Question, row(pos))
	}
	enc.Headers = make([][][]float64, len(l.headers))
	for j, span := range l.headers {
		for pos := span[0]; pos < span[1]; pos++ {
			enc.Headers[j] = append(enc.Headers[j], row(pos))
		}
	}
	return enc, nil
}

package encoder

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultModelName  = "all-MiniLM-L6-v2"
	DefaultDimensions = 384
	DefaultMaxSeqLen  = 256
)

type Options struct {
	ModelPath     string
	VocabPath     string
	SharedLibPath string
	ModelName     string
	Dimensions    int
	MaxSeqLen     int
}

// MiniLM runs a sentence-transformers encoder exported to ONNX and returns
// mean-pooled, L2-normalised sentence embeddings.
type MiniLM struct {
	mu sync.Mutex

	name      string
	dim       int
	maxSeqLen int

	tokenizer   *Tokenizer
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	withTypeIDs bool
}

var envMu sync.Mutex

// NewMiniLM loads the ONNX runtime, the vocabulary and the model session.
func NewMiniLM(opts Options) (*MiniLM, error) {
	if opts.ModelName == "" {
		opts.ModelName = DefaultModelName
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = DefaultDimensions
	}
	if opts.MaxSeqLen <= 0 {
		opts.MaxSeqLen = DefaultMaxSeqLen
	}

	if err := initEnvironment(opts.SharedLibPath); err != nil {
		return nil, err
	}

	tokenizer, err := LoadTokenizer(opts.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx get input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx model has no inputs or outputs")
	}

	m := &MiniLM{
		name:      opts.ModelName,
		dim:       opts.Dimensions,
		maxSeqLen: opts.MaxSeqLen,
		tokenizer: tokenizer,
	}
	for _, in := range inputs {
		switch in.Name {
		case "input_ids", "attention_mask":
		case "token_type_ids":
			m.withTypeIDs = true
		default:
			return nil, fmt.Errorf("onnx model has unexpected input %q", in.Name)
		}
	}
	m.inputNames = []string{"input_ids", "attention_mask"}
	if m.withTypeIDs {
		m.inputNames = append(m.inputNames, "token_type_ids")
	}

	// the first output is the per-token hidden state
	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, m.inputNames, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("onnx new session: %w", err)
	}
	m.session = session
	return m, nil
}

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("onnx init environment: %w", err)
	}
	return nil
}

func (m *MiniLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := m.encode(text)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *MiniLM) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.encode(text)
}

func (m *MiniLM) Dimensions() int   { return m.dim }
func (m *MiniLM) ModelName() string { return m.name }

func (m *MiniLM) encode(text string) ([]float32, error) {
	ids := m.tokenizer.Encode(text, m.maxSeqLen)
	n := int64(len(ids))
	shape := ort.NewShape(1, n)

	mask := make([]int64, n)
	for i := range mask {
		mask[i] = 1
	}

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("onnx new input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("onnx new attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	inputs := []ort.Value{idsTensor, maskTensor}
	if m.withTypeIDs {
		typeTensor, err := ort.NewTensor(shape, make([]int64, n))
		if err != nil {
			return nil, fmt.Errorf("onnx new token_type_ids tensor: %w", err)
		}
		defer typeTensor.Destroy()
		inputs = append(inputs, typeTensor)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, int64(m.dim)))
	if err != nil {
		return nil, fmt.Errorf("onnx new output tensor: %w", err)
	}
	defer output.Destroy()

	m.mu.Lock()
	err = m.session.Run(inputs, []ort.Value{output})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	return meanPool(output.GetData(), mask, m.dim), nil
}

// meanPool averages token vectors where mask is 1 and L2-normalises the result.
func meanPool(hidden []float32, mask []int64, dim int) []float32 {
	out := make([]float32, dim)
	var count float32
	for t, on := range mask {
		if on == 0 {
			continue
		}
		row := hidden[t*dim : (t+1)*dim]
		for i, v := range row {
			out[i] += v
		}
		count++
	}
	if count == 0 {
		return out
	}

	var norm float64
	for i := range out {
		out[i] /= count
		norm += float64(out[i]) * float64(out[i])
	}
	norm = math.Sqrt(norm)
	if norm < 1e-12 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}

// Close releases the session. The ONNX environment stays up for the process.
func (m *MiniLM) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

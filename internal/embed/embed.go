// Package embed provides local sentence embedding for session text via
// ONNX Runtime. Vectors are L2-normalized so cosine similarity and dot
// product coincide.
package embed

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/madzarm/ccsearch/internal/model"
)

const (
	// EmbeddingDim is the output dimension of the configured sentence encoder.
	EmbeddingDim = 384

	// windowTokens and strideTokens bound the per-inference token window;
	// text longer than one window is split into overlapping windows and the
	// resulting vectors are averaged and re-normalized.
	windowTokens = 256
	strideTokens = 64

	defaultBatchSize = 4
)

// Embedder turns text into fixed-dimension, unit-norm vectors. Callers that
// need to degrade gracefully (no model acquired yet) should treat the
// error from New as permanent for the process lifetime rather than retrying
// per call.
type Embedder interface {
	// Embed returns one L2-normalized vector per input text.
	Embed(texts []string) ([][]float32, error)

	// Dimension returns the embedding vector length.
	Dimension() int

	// Close releases the underlying runtime session and tokenizer.
	Close()
}

// ONNXEmbedder wraps an ONNX Runtime session and a WordPiece tokenizer for a
// single sentence-encoder model.
type ONNXEmbedder struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
	batchSize int
}

// New loads the model and tokenizer from modelDir
// (<data_dir>/models/<modelID>/model.onnx and tokenizer.json). It never
// attempts to download the model; a missing model directory is reported as
// a model.KindEmbedderUnavailable error so callers can degrade to
// lexical-only search instead of failing the whole operation.
func New(modelDir string, numThreads int) (Embedder, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, model.NewError(model.KindEmbedderUnavailable,
			fmt.Errorf("model not found at %s: %w", modelPath, err))
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, model.NewError(model.KindEmbedderUnavailable,
			fmt.Errorf("tokenizer not found at %s: %w", tokenPath, err))
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, model.NewError(model.KindEmbedderUnavailable, fmt.Errorf("init onnx runtime: %w", err))
	}

	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &ONNXEmbedder{
		session:   session,
		tokenizer: tk,
		batchSize: defaultBatchSize,
	}, nil
}

func (e *ONNXEmbedder) Dimension() int { return EmbeddingDim }

// Close releases the ONNX session and tokenizer.
func (e *ONNXEmbedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Embed tokenizes each text, splits it into overlapping token windows when
// it exceeds one window, embeds every window, and averages + re-normalizes
// the window vectors into a single per-text vector.
func (e *ONNXEmbedder) Embed(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		ids, mask := e.tokenize(text)
		windows := windowTokenIDs(ids, mask, windowTokens, strideTokens)

		vecs := make([][]float32, 0, len(windows))
		for start := 0; start < len(windows); start += e.batchSize {
			end := start + e.batchSize
			if end > len(windows) {
				end = len(windows)
			}
			batch, err := e.embedBatch(windows[start:end])
			if err != nil {
				return nil, fmt.Errorf("embed text %d, windows [%d:%d]: %w", i, start, end, err)
			}
			vecs = append(vecs, batch...)
		}

		out[i] = averageAndNormalize(vecs)
	}
	return out, nil
}

// tokenize runs the WordPiece tokenizer and returns token ids and their
// attention mask, both with special tokens (CLS/SEP) included.
func (e *ONNXEmbedder) tokenize(text string) ([]uint32, []uint32) {
	enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
	if len(enc.AttentionMask) >= len(enc.IDs) {
		return enc.IDs, enc.AttentionMask[:len(enc.IDs)]
	}
	mask := make([]uint32, len(enc.IDs))
	for i := range mask {
		mask[i] = 1
	}
	return enc.IDs, mask
}

// embedBatch runs a single ONNX inference call over a batch of already
// tokenized windows, masked mean-pools each window's hidden states, and
// L2-normalizes the result.
func (e *ONNXEmbedder) embedBatch(windows []tokenWindow) ([][]float32, error) {
	batchSize := len(windows)
	maxLen := 0
	for _, w := range windows {
		if len(w.ids) > maxLen {
			maxLen = len(w.ids)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all windows tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, w := range windows {
		base := i * maxLen
		for j, id := range w.ids {
			flatIDs[base+j] = int64(id)
			flatMask[base+j] = int64(w.mask[j])
		}
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	inputs := []ort.Value{inputIDs, attnMask, typeIDs}
	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, EmbeddingDim)
		var count float32
		base := i * seqLen * EmbeddingDim
		maskBase := i * maxLen
		for t := 0; t < seqLen; t++ {
			if flatMask[maskBase+t] == 0 {
				continue
			}
			tokenBase := base + t*EmbeddingDim
			for d := 0; d < EmbeddingDim; d++ {
				vec[d] += hidden[tokenBase+d]
			}
			count++
		}
		if count > 0 {
			for d := range vec {
				vec[d] /= count
			}
		}
		l2Normalize(vec)
		embeddings[i] = vec
	}

	return embeddings, nil
}

// l2Normalize normalizes v in-place to unit length.
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm < 1e-20 {
		return
	}
	inv := float32(1.0 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
}

// averageAndNormalize combines one or more window vectors into a single
// unit-norm vector. A text that tokenized into a single window returns that
// window's vector unchanged (modulo re-normalization, which is a no-op).
func averageAndNormalize(vecs [][]float32) []float32 {
	avg := make([]float32, EmbeddingDim)
	if len(vecs) == 0 {
		return avg
	}
	for _, v := range vecs {
		for d := 0; d < EmbeddingDim && d < len(v); d++ {
			avg[d] += v[d]
		}
	}
	n := float32(len(vecs))
	for d := range avg {
		avg[d] /= n
	}
	l2Normalize(avg)
	return avg
}

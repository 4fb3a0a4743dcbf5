package evaluation

// Prediction is one entry of a sample's masked top-k listing.
type Prediction struct {
	Index     int     `json:"i"`
	TokenID   int     `json:"token_idx"`
	TokenWord string  `json:"token_word"`
	LogProb   float64 `json:"log_prob"`
}

// MaskedTopK is the per-sample ranking detail written to the result artifact.
type MaskedTopK struct {
	TopK         []Prediction `json:"topk"`
	Rank         int          `json:"rank"`
	PAtK         float64      `json:"P_AT_K"`
	PAt1         float64      `json:"P_AT_1"`
	LabelLogProb float64      `json:"label_log_prob"`
}

// SampleInput is everything needed to score one sample.
type SampleInput struct {
	// Dist is the final distribution over the evaluation space.
	Dist []float64
	// Gold is the position of the gold object in Dist.
	Gold int
	// Surface maps a Dist position to its word.
	Surface func(pos int) string
	// VocabID maps a Dist position to its vocabulary id.
	VocabID func(pos int) int
	// TopK is the number of predictions to list.
	TopK int
	// PrecisionAt is the P@K cutoff.
	PrecisionAt int

	// LogProbs (seq, vocab), TokenIDs and MaskedIndices describe the full
	// sentence for perplexity. They may be empty.
	LogProbs      [][]float64
	TokenIDs      []int
	MaskedIndices []int
	// Special holds vocabulary ids left out of perplexity, such as [CLS].
	Special map[int]bool
}

// SampleResult holds one sample's rank metrics.
type SampleResult struct {
	Rank         int
	MRR          float64
	PrecisionAtK float64
	Precision1   float64
	Perplexity   float64
	MaskedTopK   MaskedTopK
}

// Bucket summarises a group of samples. Means are nil when the group is empty.
type Bucket struct {
	Samples      int      `json:"samples"`
	MRR          *float64 `json:"mrr"`
	PrecisionAtK *float64 `json:"precision_at_k"`
	Precision1   *float64 `json:"precision_at_1"`
}

// DiagnosticRow is the mean top-1/top-2 gap and top-1 probability of a group
// of (sample, template) predictions.
type DiagnosticRow struct {
	Count int     `json:"count"`
	Gap   float64 `json:"top12_prob_gap"`
	Top1  float64 `json:"top1_prob"`
}

// Summary aggregates every scored sample of a run.
type Summary struct {
	Global    Bucket         `json:"global"`
	Positive  Bucket         `json:"positive"`
	Negative  Bucket         `json:"negative"`
	Correct   *DiagnosticRow `json:"correct,omitempty"`
	Incorrect *DiagnosticRow `json:"incorrect,omitempty"`
}

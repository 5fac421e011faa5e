package metrics

// Result is the evaluation outcome for one example. Unscored examples count
// toward the denominator but never as correct.
type Result struct {
	Scored bool
	Match  Match
}

// Accumulator sums per-field correctness and loss over a pass.
type Accumulator struct {
	counts   [numFields]int
	examples int
	loss     float64
}

// Add records one example.
func (a *Accumulator) Add(r Result) {
	a.examples++
	if !r.Scored {
		return
	}
	for f, ok := range r.Match {
		if ok {
			a.counts[f]++
		}
	}
}

// AddLoss adds a batch's summed loss.
func (a *Accumulator) AddLoss(sum float64) {
	a.loss += sum
}

// Examples returns how many examples were added.
func (a *Accumulator) Examples() int { return a.examples }

// Summary holds averaged metrics for a pass. Every average divides by the
// number of examples seen.
type Summary struct {
	Examples    int     `json:"examples" yaml:"examples"`
	Loss        float64 `json:"loss" yaml:"loss"`
	Sel         float64 `json:"sc" yaml:"sc"`
	Agg         float64 `json:"sa" yaml:"sa"`
	NumConds    float64 `json:"wn" yaml:"wn"`
	CondCols    float64 `json:"wc" yaml:"wc"`
	CondOps     float64 `json:"wo" yaml:"wo"`
	ValSpans    float64 `json:"wvi" yaml:"wvi"`
	Values      float64 `json:"wv" yaml:"wv"`
	LogicalForm float64 `json:"lx" yaml:"lx"`
	Execution   float64 `json:"x" yaml:"x"`
}

// Finalize returns the averages. An empty accumulator yields zeros.
func (a *Accumulator) Finalize() Summary {
	s := Summary{Examples: a.examples}
	if a.examples == 0 {
		return s
	}
	n := float64(a.examples)
	avg := func(f Field) float64 { return float64(a.counts[f]) / n }
	s.Loss = a.loss / n
	s.Sel = avg(FieldSel)
	s.Agg = avg(FieldAgg)
	s.NumConds = avg(FieldNumConds)
	s.CondCols = avg(FieldCondCols)
	s.CondOps = avg(FieldCondOps)
	s.ValSpans = avg(FieldValSpans)
	s.Values = avg(FieldValues)
	s.LogicalForm = avg(FieldLogicalForm)
	s.Execution = avg(FieldExecution)
	return s
}

// Stat is one named accuracy.
type Stat struct {
	Name  string
	Value float64
}

// Stats returns the accuracies in display order with their short names.
func (s Summary) Stats() []Stat {
	vals := []float64{s.Sel, s.Agg, s.NumConds, s.CondCols, s.CondOps, s.ValSpans, s.Values, s.LogicalForm, s.Execution}
	out := make([]Stat, len(vals))
	for i, v := range vals {
		out[i] = Stat{Name: Field(i).String(), Value: v}
	}
	return out
}

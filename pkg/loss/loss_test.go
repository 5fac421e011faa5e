package loss

import (
	"errors"
	"math"
	"testing"

	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"sum", PolicySum},
		{"min", PolicyMin},
		{"max", PolicyMin},
		{"TOP3", PolicyTop3},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if err != nil {
			t.Fatalf("ParsePolicy(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := ParsePolicy("mean"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("ParsePolicy(mean) = %v, want ErrUnknownPolicy", err)
	}
}

func TestAggregateSingleton(t *testing.T) {
	for _, p := range Policies {
		v, w, err := p.Aggregate([]float64{2.5})
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if v != 2.5 || !near(w[0], 1) {
			t.Fatalf("%s: Aggregate = %v %v, want 2.5 [1]", p, v, w)
		}
	}
}

func TestAggregatePolicies(t *testing.T) {
	losses := []float64{3, 1, 2, 0.5}

	v, w, _ := PolicySum.Aggregate(losses)
	want := math.Log(math.Exp(3) + math.Exp(1) + math.Exp(2) + math.Exp(0.5))
	if !near(v, want) {
		t.Fatalf("sum = %v, want %v", v, want)
	}
	total := 0.0
	for _, x := range w {
		total += x
	}
	if !near(total, 1) {
		t.Fatalf("sum weights total %v, want 1", total)
	}

	v, w, _ = PolicyMin.Aggregate(losses)
	if v != 0.5 || w[3] != 1 || w[0] != 0 {
		t.Fatalf("min = %v %v", v, w)
	}

	v, w, _ = PolicyTop3.Aggregate(losses)
	want = math.Log(math.Exp(1) + math.Exp(2) + math.Exp(0.5))
	if !near(v, want) {
		t.Fatalf("top3 = %v, want %v", v, want)
	}
	if w[0] != 0 {
		t.Fatalf("top3 weight on largest loss = %v, want 0", w[0])
	}
}

func TestAggregateFiniteDifference(t *testing.T) {
	losses := []float64{0.3, 1.7, 0.9, 2.2, 1.1}
	const h = 1e-6
	for _, p := range []Policy{PolicySum, PolicyTop3} {
		_, w, _ := p.Aggregate(losses)
		for i := range losses {
			up := append([]float64(nil), losses...)
			down := append([]float64(nil), losses...)
			up[i] += h
			down[i] -= h
			vu, _, _ := p.Aggregate(up)
			vd, _, _ := p.Aggregate(down)
			if num := (vu - vd) / (2 * h); math.Abs(num-w[i]) > 1e-6 {
				t.Fatalf("%s d/dl[%d]: analytic %v, numeric %v", p, i, w[i], num)
			}
		}
	}
}

func TestComputeGradient(t *testing.T) {
	s := scorer.NewScores(3, 4)
	vals := []float64{0.2, -0.4, 1.1, 0.7, -1.3, 0.05}
	k := 0
	next := func() float64 { k++; return vals[k%len(vals)] * float64(k%5+1) / 3 }
	for j := range 3 {
		s.Sel[j], s.CondCol[j] = next(), next()
		for a := range s.Agg[j] {
			s.Agg[j][a] = next()
		}
		for o := range s.CondOp[j] {
			s.CondOp[j][o] = next()
		}
		for i := range 4 {
			s.ValStart[j][i], s.ValEnd[j][i] = next(), next()
		}
	}
	for n := range s.NumConds {
		s.NumConds[n] = next()
	}
	tgt := Target{
		Sel: 2, Agg: 3, NumConds: 2,
		CondCols:  []int{0, 2},
		CondOps:   []int{1, 0},
		CondSpans: []wikisql.Span{{Start: 1, End: 2}, {Start: 3, End: 3}},
	}
	f, g, err := Compute(s, tgt)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if f.Sum() <= 0 {
		t.Fatalf("loss = %v, want positive", f.Sum())
	}

	const h = 1e-6
	check := func(name string, x *float64, d float64) {
		orig := *x
		*x = orig + h
		up, _, _ := Compute(s, tgt)
		*x = orig - h
		down, _, _ := Compute(s, tgt)
		*x = orig
		if num := (up.Sum() - down.Sum()) / (2 * h); math.Abs(num-d) > 1e-6 {
			t.Fatalf("%s: analytic %v, numeric %v", name, d, num)
		}
	}
	for j := range 3 {
		check("sel", &s.Sel[j], g.Sel[j])
		check("col", &s.CondCol[j], g.CondCol[j])
		for a := range s.Agg[j] {
			check("agg", &s.Agg[j][a], g.Agg[j][a])
		}
		for o := range s.CondOp[j] {
			check("op", &s.CondOp[j][o], g.CondOp[j][o])
		}
		for i := range 4 {
			check("start", &s.ValStart[j][i], g.ValStart[j][i])
			check("end", &s.ValEnd[j][i], g.ValEnd[j][i])
		}
	}
	for n := range s.NumConds {
		check("num", &s.NumConds[n], g.NumConds[n])
	}
}

func TestComputeRejectsBadTarget(t *testing.T) {
	s := scorer.NewScores(2, 3)
	bad := []Target{
		{Sel: 2},
		{Sel: 0, NumConds: 1, CondCols: []int{0}, CondOps: []int{0}, CondSpans: []wikisql.Span{{Start: 1, End: 3}}},
		{Sel: 0, NumConds: 1},
	}
	for i, tgt := range bad {
		if _, _, err := Compute(s, tgt); !errors.Is(err, ErrTarget) {
			t.Fatalf("case %d: err = %v, want ErrTarget", i, err)
		}
	}
}

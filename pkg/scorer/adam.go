package scorer

import "math"

// Adam is the Adam optimizer over a fixed parameter set.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*Param
	m, v   [][]float64
	t      int
}

// NewAdam creates an optimizer with the usual defaults (0.9, 0.999, 1e-8).
func NewAdam(params []*Param, lr float64) *Adam {
	a := &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, params: params}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// Steps returns how many updates were applied.
func (a *Adam) Steps() int { return a.t }

// Step updates every parameter from its accumulated gradient. Gradients are
// left untouched; callers zero them.
func (a *Adam) Step() error {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for k, g := range p.Grad {
			m[k] = a.Beta1*m[k] + (1-a.Beta1)*g
			v[k] = a.Beta2*v[k] + (1-a.Beta2)*g*g
			p.Value[k] -= a.LR * (m[k] / c1) / (math.Sqrt(v[k]/c2) + a.Eps)
		}
	}
	return nil
}

var _ Optimizer = (*Adam)(nil)

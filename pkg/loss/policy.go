package loss

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrUnknownPolicy is returned by ParsePolicy for an unrecognized name.
var ErrUnknownPolicy = errors.New("loss: unknown aggregation policy")

// Policy reduces the losses of one example's candidates to a single value.
type Policy string

const (
	// PolicySum is the log-sum-exp over all candidate losses.
	PolicySum Policy = "sum"
	// PolicyMin keeps only the smallest candidate loss.
	PolicyMin Policy = "min"
	// PolicyTop3 is the log-sum-exp over the three smallest losses.
	PolicyTop3 Policy = "top3"
)

// legacyMax is accepted for PolicyMin. Older configurations used it even
// though the policy has always selected the minimum.
const legacyMax = "max"

// Policies lists the accepted policy names.
var Policies = []Policy{PolicySum, PolicyMin, PolicyTop3}

// ParsePolicy resolves a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(name))); p {
	case PolicySum, PolicyMin, PolicyTop3:
		return p, nil
	case legacyMax:
		return PolicyMin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// Aggregate reduces losses and returns the value with its derivative with
// respect to each input loss. losses must be non-empty. A single loss is
// returned unchanged under every policy.
func (p Policy) Aggregate(losses []float64) (float64, []float64, error) {
	if len(losses) == 0 {
		return 0, nil, errors.New("loss: aggregate of no losses")
	}
	w := make([]float64, len(losses))
	switch p {
	case PolicySum:
		return logSumExp(losses, nil, w), w, nil
	case PolicyMin:
		i := floats.MinIdx(losses)
		w[i] = 1
		return losses[i], w, nil
	case PolicyTop3:
		idx := make([]int, len(losses))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			switch {
			case losses[a] < losses[b]:
				return -1
			case losses[a] > losses[b]:
				return 1
			}
			return 0
		})
		return logSumExp(losses, idx[:min(3, len(idx))], w), w, nil
	}
	return 0, nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, string(p))
}

// logSumExp reduces losses[sel] (all of losses when sel is nil) and writes
// the softmax weights into w.
func logSumExp(losses []float64, sel []int, w []float64) float64 {
	if sel == nil {
		v := floats.LogSumExp(losses)
		for i, l := range losses {
			w[i] = math.Exp(l - v)
		}
		return v
	}
	picked := make([]float64, len(sel))
	for k, i := range sel {
		picked[k] = losses[i]
	}
	v := floats.LogSumExp(picked)
	for _, i := range sel {
		w[i] = math.Exp(losses[i] - v)
	}
	return v
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is a stored set of parameters for one model component.
type Snapshot struct {
	Run    string               `json:"run" msgpack:"run"`
	Epoch  int                  `json:"epoch" msgpack:"epoch"`
	Step   int                  `json:"step" msgpack:"step"`
	Metric float64              `json:"metric" msgpack:"metric"`
	Saved  time.Time            `json:"saved" msgpack:"saved"`
	Params map[string][]float64 `json:"params" msgpack:"params"`
}

// Best summarizes the best checkpoint of a run.
type Best struct {
	Metric     float64   `json:"metric" msgpack:"metric"`
	Epoch      int       `json:"epoch" msgpack:"epoch"`
	Step       int       `json:"step" msgpack:"step"`
	Components []string  `json:"components" msgpack:"components"`
	Saved      time.Time `json:"saved" msgpack:"saved"`
}

// Snapshotter exposes a model component's parameters.
type Snapshotter interface {
	Snapshot() map[string][]float64
	Restore(params map[string][]float64) error
}

func bestKey(run string) Key { return Key{"run", run, "best"} }

func componentKey(run, name string) Key { return Key{"run", run, "model", name} }

// Tracker saves a run's components whenever the observed metric improves.
type Tracker struct {
	store Store
	run   string
	best  *Best
}

// NewTracker resumes tracking for run, picking up any best checkpoint
// already in store.
func NewTracker(ctx context.Context, store Store, run string) (*Tracker, error) {
	t := &Tracker{store: store, run: run}
	b, err := LoadBest(ctx, store, run)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		t.best = b
	}
	return t, nil
}

// Best returns the best checkpoint so far, or nil.
func (t *Tracker) Best() *Best { return t.best }

// Observe records metric for (epoch, step). When it strictly exceeds the
// best so far, every component is saved and Observe reports true.
func (t *Tracker) Observe(ctx context.Context, metric float64, epoch, step int, components map[string]Snapshotter) (bool, error) {
	if t.best != nil && metric <= t.best.Metric {
		return false, nil
	}
	now := time.Now().UTC()
	b := &Best{Metric: metric, Epoch: epoch, Step: step, Saved: now}
	for _, name := range slices.Sorted(maps.Keys(components)) {
		c := components[name]
		snap := Snapshot{Run: t.run, Epoch: epoch, Step: step, Metric: metric, Saved: now, Params: c.Snapshot()}
		data, err := msgpack.Marshal(&snap)
		if err != nil {
			return false, fmt.Errorf("checkpoint: encode %s: %w", name, err)
		}
		if err := t.store.Set(ctx, componentKey(t.run, name), data); err != nil {
			return false, fmt.Errorf("checkpoint: save %s: %w", name, err)
		}
		b.Components = append(b.Components, name)
	}
	data, err := msgpack.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("checkpoint: encode best: %w", err)
	}
	if err := t.store.Set(ctx, bestKey(t.run), data); err != nil {
		return false, fmt.Errorf("checkpoint: save best: %w", err)
	}
	t.best = b
	return true, nil
}

// LoadBest reads a run's best checkpoint summary.
func LoadBest(ctx context.Context, store Store, run string) (*Best, error) {
	data, err := store.Get(ctx, bestKey(run))
	if err != nil {
		return nil, err
	}
	var b Best
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("checkpoint: decode best: %w", err)
	}
	return &b, nil
}

// Load reads one component snapshot.
func Load(ctx context.Context, store Store, run, name string) (*Snapshot, error) {
	data, err := store.Get(ctx, componentKey(run, name))
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", name, err)
	}
	return &s, nil
}

// Restore loads the named component snapshot into c.
func Restore(ctx context.Context, store Store, run, name string, c Snapshotter) (*Snapshot, error) {
	s, err := Load(ctx, store, run, name)
	if err != nil {
		return nil, err
	}
	if err := c.Restore(s.Params); err != nil {
		return nil, err
	}
	return s, nil
}

// Runs lists run ids that have a best checkpoint.
func Runs(ctx context.Context, store Store) ([]string, error) {
	var runs []string
	for e, err := range store.List(ctx, Key{"run"}) {
		if err != nil {
			return nil, err
		}
		if len(e.Key) == 3 && e.Key[2] == "best" {
			runs = append(runs, e.Key[1])
		}
	}
	return runs, nil
}

// Package setup builds the parser's components from a cli.Config.
package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strings"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/checkpoint"
	"github.com/haivivi/nl2sql/pkg/cli"
	"github.com/haivivi/nl2sql/pkg/dbengine"
	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/results"
	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/train"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// Env holds everything a command needs. Close releases it.
type Env struct {
	Config  *cli.Config
	Log     *slog.Logger
	Rand    *rand.Rand
	Trainer *train.Trainer
	Model   *scorer.Bilinear
	Encoder encoder.Encoder

	closers []io.Closer
}

// New builds the tokenizer, encoder, scoring model and trainer.
func New(cfg *cli.Config, log *slog.Logger) (*Env, error) {
	if log == nil {
		log = slog.Default()
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	if name := strings.ToLower(strings.TrimSpace(cfg.Train.LossPolicy)); name != string(policy) {
		log.Warn("deprecated loss policy name", "name", cfg.Train.LossPolicy, "use", policy)
	}
	env := &Env{
		Config: cfg,
		Log:    log,
		Rand:   rand.New(rand.NewPCG(cfg.Train.Seed, cfg.Train.Seed)),
	}

	tok, err := Tokenizer(cfg)
	if err != nil {
		return nil, err
	}
	enc, err := env.encoder(tok)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Encoder = enc

	env.Model = scorer.NewBilinear(enc.Dim(), env.Rand)
	opts := train.Options{
		Tokenizer:      tok,
		Encoder:        enc,
		Scorer:         env.Model,
		Optimizer:      scorer.NewAdam(env.Model.Params(), cfg.Train.LR),
		Policy:         policy,
		Accumulate:     cfg.Train.Accumulate,
		MaxSeqLen:      cfg.Train.MaxSeqLen,
		MaxHeaderCells: cfg.Train.MaxHeaderCells,
		Logger:         log,
	}
	if emb, ok := enc.(*encoder.Embedding); ok {
		value, grad := emb.Weights()
		opts.EncoderOptimizer = scorer.NewAdam([]*scorer.Param{{Name: "embeddings", Value: value, Grad: grad}}, cfg.Train.EncoderLR)
		log.Info("fine-tuning encoder", "buckets", cfg.Encoder.Buckets, "encoder_lr", cfg.Train.EncoderLR)
	}
	env.Trainer, err = train.New(opts)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// Tokenizer loads the configured WordPiece vocabulary, or a chunker when
// none is configured.
func Tokenizer(cfg *cli.Config) (align.Tokenizer, error) {
	if cfg.Encoder.Tokenizer == "" {
		return align.NewChunker(cfg.Encoder.ChunkSize), nil
	}
	return align.LoadWordPiece(cfg.Encoder.Tokenizer)
}

func (e *Env) encoder(tok align.Tokenizer) (encoder.Encoder, error) {
	cfg := e.Config
	switch cfg.Encoder.Kind {
	case "onnx":
		o := cfg.Encoder.ONNX
		lib := o.Library
		if lib == "" {
			lib = os.Getenv("ORT_LIBRARY_PATH")
		}
		enc, err := encoder.NewORT(tok, encoder.ORTConfig{
			LibraryPath:  lib,
			ModelPath:    o.Model,
			Hidden:       o.Hidden,
			MaxSeqLen:    cfg.Train.MaxSeqLen,
			Outputs:      o.Outputs,
			TargetLayers: cfg.Encoder.TargetLayers,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, enc)
		return enc, nil
	default:
		if cfg.Train.FineTune {
			return encoder.NewEmbedding(tok, cfg.Encoder.Dim, cfg.Encoder.TargetLayers, cfg.Encoder.Buckets), nil
		}
		return encoder.NewHash(tok, cfg.Encoder.Dim, cfg.Encoder.TargetLayers), nil
	}
}

// Split loads a split's examples, truncated to limit when positive.
func (e *Env) Split(split string, limit int) ([]*wikisql.Example, error) {
	exPath, tablesPath, _ := e.Config.SplitPaths(split)
	tables, err := wikisql.LoadTables(tablesPath)
	if err != nil {
		return nil, err
	}
	examples, err := wikisql.LoadExamples(exPath, tables, wikisql.LoadOptions{
		Limit:  limit,
		Filter: e.Config.Data.Filter,
		Logger: e.Log,
	})
	if err != nil {
		return nil, err
	}
	e.Log.Info("loaded split", "split", split, "examples", len(examples), "tables", len(tables))
	return examples, nil
}

// Engine opens the split's database. A missing database yields nil and no
// error; execution-guided decoding and execution accuracy are then off.
func (e *Env) Engine(split string) (*dbengine.Engine, error) {
	_, _, dbPath := e.Config.SplitPaths(split)
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		e.Log.Warn("no database for split, execution disabled", "path", dbPath)
		return nil, nil
	}
	eng, err := dbengine.Open(dbPath, nil)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, eng)
	return eng, nil
}

// Checkpoints opens the checkpoint store.
func (e *Env) Checkpoints() (checkpoint.Store, error) {
	s, err := checkpoint.NewBadger(checkpoint.BadgerOptions{Dir: e.Config.Output.Checkpoints, Logger: e.Log})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, s)
	return s, nil
}

// Results returns the results store: the configured bucket, or the local
// results directory.
func (e *Env) Results() (results.FileStore, error) {
	if s3 := e.Config.Output.S3; s3 != nil {
		client := results.NewS3Client(results.S3Config{
			Region:    firstNonEmpty(s3.Region, os.Getenv("AWS_REGION"), "us-east-1"),
			Endpoint:  s3.Endpoint,
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			PathStyle: s3.PathStyle,
		})
		return results.NewS3(client, s3.Bucket, s3.Prefix), nil
	}
	return results.NewLocal(e.Config.ResultsDir())
}

// RestoreBest loads the best checkpoint of run into the model, and into the
// encoder when the run fine-tuned it.
func (e *Env) RestoreBest(ctx context.Context, store checkpoint.Store, run string) (*checkpoint.Snapshot, error) {
	best, err := checkpoint.LoadBest(ctx, store, run)
	if err != nil {
		return nil, fmt.Errorf("restore run %s: %w", run, err)
	}
	snap, err := checkpoint.Restore(ctx, store, run, "scorer", e.Model)
	if err != nil {
		return nil, fmt.Errorf("restore run %s: %w", run, err)
	}
	if !slices.Contains(best.Components, "encoder") {
		return snap, nil
	}
	s, ok := e.Encoder.(checkpoint.Snapshotter)
	if !ok {
		return nil, fmt.Errorf("restore run %s: the run fine-tuned its encoder; set train.fine_tune to load it", run)
	}
	if _, err := checkpoint.Restore(ctx, store, run, "encoder", s); err != nil {
		return nil, fmt.Errorf("restore run %s: %w", run, err)
	}
	return snap, nil
}

// Close releases databases, stores and encoder sessions.
func (e *Env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

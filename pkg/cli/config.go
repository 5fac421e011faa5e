// Package cli provides configuration and terminal output shared by the
// nl2sql command-line tools.
//
// Configuration is a single YAML file, by default ~/.nl2sql/config.yaml.
// Missing fields take the defaults below and the merged result is checked
// against a JSON schema derived from the Config type.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/haivivi/nl2sql/pkg/candidate"
	"github.com/haivivi/nl2sql/pkg/decode"
	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/loss"
)

const (
	// DefaultBaseDir is the base configuration directory name
	DefaultBaseDir = ".nl2sql"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.yaml"
)

// Debug truncation applied when Data.Debug is set and no explicit limit is
// given.
const (
	DebugTrainLimit = 10000
	DebugDevLimit   = 5000
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("cli: invalid config")

// Config is the full run configuration.
type Config struct {
	Data    DataConfig    `yaml:"data" json:"data,omitempty"`
	Train   TrainConfig   `yaml:"train" json:"train,omitempty"`
	Encoder EncoderConfig `yaml:"encoder" json:"encoder,omitempty"`
	Decode  DecodeConfig  `yaml:"decode" json:"decode,omitempty"`
	Output  OutputConfig  `yaml:"output" json:"output,omitempty"`

	path string
}

// DataConfig locates the dataset. A split named s is read from
// <dir>/<s>_tok.jsonl, <dir>/<s>.tables.jsonl and <dir>/<s>.db.
type DataConfig struct {
	Dir        string `yaml:"dir" json:"dir,omitempty"`
	TrainSplit string `yaml:"train_split" json:"train_split,omitempty"`
	DevSplit   string `yaml:"dev_split" json:"dev_split,omitempty"`

	// Debug truncates both splits to DebugTrainLimit / DebugDevLimit.
	Debug      bool `yaml:"debug,omitempty" json:"debug,omitempty"`
	TrainLimit int  `yaml:"train_limit,omitempty" json:"train_limit,omitempty"`
	DevLimit   int  `yaml:"dev_limit,omitempty" json:"dev_limit,omitempty"`

	// Filter is a jq expression selecting dataset records.
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// TrainConfig holds optimization settings.
type TrainConfig struct {
	Epochs         int     `yaml:"epochs" json:"epochs,omitempty"`
	BatchSize      int     `yaml:"batch_size" json:"batch_size,omitempty"`
	Accumulate     int     `yaml:"accumulate" json:"accumulate,omitempty"`
	LR             float64 `yaml:"lr" json:"lr,omitempty"`
	EncoderLR      float64 `yaml:"encoder_lr" json:"encoder_lr,omitempty"`
	FineTune       bool    `yaml:"fine_tune,omitempty" json:"fine_tune,omitempty"`
	LossPolicy     string  `yaml:"loss_policy" json:"loss_policy,omitempty"`
	Seed           uint64  `yaml:"seed" json:"seed,omitempty"`
	MaxSeqLen      int     `yaml:"max_seq_length" json:"max_seq_length,omitempty"`
	MaxHeaderCells int     `yaml:"max_header_cells" json:"max_header_cells,omitempty"`
	EvalEvery      int     `yaml:"eval_every" json:"eval_every,omitempty"`
	Shuffle        *bool   `yaml:"shuffle,omitempty" json:"shuffle,omitempty"`
}

// EncoderConfig selects and configures the text encoder.
type EncoderConfig struct {
	// Kind is "hash" or "onnx".
	Kind string `yaml:"kind" json:"kind,omitempty"`

	// Tokenizer is a tokenizer.json file. Empty uses a fixed-width chunker.
	Tokenizer    string `yaml:"tokenizer,omitempty" json:"tokenizer,omitempty"`
	ChunkSize    int    `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	Dim          int    `yaml:"dim,omitempty" json:"dim,omitempty"`
	TargetLayers int    `yaml:"target_layers" json:"target_layers,omitempty"`

	// Buckets sizes the embedding table fine-tuned in place of the hash
	// encoder when train.fine_tune is set.
	Buckets int         `yaml:"buckets,omitempty" json:"buckets,omitempty"`
	ONNX    *ONNXConfig `yaml:"onnx,omitempty" json:"onnx,omitempty"`
}

// ONNXConfig configures the onnxruntime encoder.
type ONNXConfig struct {
	// Library is the onnxruntime shared library. Falls back to $ORT_LIBRARY_PATH.
	Library string   `yaml:"library,omitempty" json:"library,omitempty"`
	Model   string   `yaml:"model" json:"model,omitempty"`
	Hidden  int      `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// DecodeConfig controls evaluation decoding.
type DecodeConfig struct {
	ExecutionGuided bool `yaml:"execution_guided,omitempty" json:"execution_guided,omitempty"`
	BeamSize        int  `yaml:"beam_size" json:"beam_size,omitempty"`
}

// OutputConfig locates run artifacts.
type OutputConfig struct {
	Dir string `yaml:"dir" json:"dir,omitempty"`

	// Checkpoints is the badger directory. Defaults to <dir>/checkpoints.
	Checkpoints string `yaml:"checkpoints,omitempty" json:"checkpoints,omitempty"`

	// S3 stores results in a bucket instead of <dir>/results.
	S3 *S3Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// S3Config locates the results bucket. Credentials come from
// AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
type S3Config struct {
	Bucket    string `yaml:"bucket" json:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty" json:"path_style,omitempty"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Data.Dir, "data")
	setDefault(&c.Data.TrainSplit, "train")
	setDefault(&c.Data.DevSplit, "dev")
	if c.Data.Debug {
		setDefault(&c.Data.TrainLimit, DebugTrainLimit)
		setDefault(&c.Data.DevLimit, DebugDevLimit)
	}

	setDefault(&c.Train.Epochs, 200)
	setDefault(&c.Train.BatchSize, 32)
	setDefault(&c.Train.Accumulate, 1)
	setDefault(&c.Train.LR, 1e-3)
	setDefault(&c.Train.EncoderLR, 1e-5)
	setDefault(&c.Train.LossPolicy, string(loss.PolicySum))
	setDefault(&c.Train.Seed, 1)
	setDefault(&c.Train.MaxSeqLen, 180)
	setDefault(&c.Train.MaxHeaderCells, candidate.DefaultMaxHeaderCells)
	setDefault(&c.Train.EvalEvery, 200)

	setDefault(&c.Encoder.Kind, "hash")
	setDefault(&c.Encoder.ChunkSize, 4)
	setDefault(&c.Encoder.Dim, 64)
	setDefault(&c.Encoder.TargetLayers, 2)
	if c.Train.FineTune {
		setDefault(&c.Encoder.Buckets, encoder.DefaultBuckets)
	}
	if c.Encoder.ONNX != nil {
		setDefault(&c.Encoder.ONNX.Hidden, 768)
	}

	setDefault(&c.Decode.BeamSize, decode.DefaultBeamSize)

	setDefault(&c.Output.Dir, "runs")
	setDefault(&c.Output.Checkpoints, filepath.Join(c.Output.Dir, "checkpoints"))
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}

// ShuffleTrain reports whether training batches are shuffled. Defaults to
// true.
func (c *Config) ShuffleTrain() bool {
	return c.Train.Shuffle == nil || *c.Train.Shuffle
}

// SplitPaths returns the examples, tables and database files of a split.
func (c *Config) SplitPaths(split string) (examples, tables, db string) {
	return filepath.Join(c.Data.Dir, split+"_tok.jsonl"),
		filepath.Join(c.Data.Dir, split+".tables.jsonl"),
		filepath.Join(c.Data.Dir, split+".db")
}

// ResultsDir is the local results directory.
func (c *Config) ResultsDir() string {
	return filepath.Join(c.Output.Dir, "results")
}

// Policy parses the configured loss policy.
func (c *Config) Policy() (loss.Policy, error) {
	return loss.ParsePolicy(c.Train.LossPolicy)
}

// DefaultPath returns ~/.nl2sql/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultBaseDir, DefaultConfigFile), nil
}

// LoadConfig loads the configuration at path. An empty path uses
// DefaultPath, where a missing file is created with defaults; a missing
// explicit path is an error.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create config directory: %w", err)
			}
			cfg := DefaultConfig()
			cfg.path = path
			return cfg, cfg.Save()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// ParseConfig decodes YAML, checks it against the schema, applies defaults
// and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc != nil {
		s, err := Schema()
		if err != nil {
			return nil, fmt.Errorf("config schema: %w", err)
		}
		instance, err := normalize(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		instance = coerceNumbers(s, instance)
		if err := validateSchema(s, instance); err != nil {
			return nil, err
		}
		js, err := json.Marshal(instance)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := json.Unmarshal(js, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize converts a decoded YAML document to the value types
// encoding/json produces.
func normalize(doc any) (any, error) {
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(js, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// coerceNumbers converts strings in numeric positions of v to numbers. The
// YAML decoder reads exponent floats without a fraction, such as 1e-05, as
// strings.
func coerceNumbers(s *jsonschema.Schema, v any) any {
	if s == nil {
		return v
	}
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = coerceNumbers(s.Properties[k], e)
		}
	case []any:
		for i, e := range x {
			x[i] = coerceNumbers(s.Items, e)
		}
	case string:
		if allowsType(s, "number") || allowsType(s, "integer") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f
			}
		}
	}
	return v
}

func allowsType(s *jsonschema.Schema, t string) bool {
	return s.Type == t || slices.Contains(s.Types, t)
}

// Validate checks values the schema cannot express.
func (c *Config) Validate() error {
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Encoder.Kind {
	case "hash":
	case "onnx":
		if c.Encoder.ONNX == nil || c.Encoder.ONNX.Model == "" {
			return fmt.Errorf("%w: encoder.onnx.model is required for the onnx encoder", ErrInvalidConfig)
		}
		if c.Encoder.Tokenizer == "" {
			return fmt.Errorf("%w: encoder.tokenizer is required for the onnx encoder", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown encoder kind %q", ErrInvalidConfig, c.Encoder.Kind)
	}
	if c.Train.FineTune && c.Encoder.Kind != "hash" {
		return fmt.Errorf("%w: train.fine_tune needs the hash encoder", ErrInvalidConfig)
	}
	if c.Output.S3 != nil && c.Output.S3.Bucket == "" {
		return fmt.Errorf("%w: output.s3.bucket is required", ErrInvalidConfig)
	}
	return nil
}

// Save writes the configuration to its path.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no path")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the config file path
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.path = path
}

// Schema returns the JSON schema of the configuration file.
func Schema() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[Config](nil)
	if err != nil {
		return nil, err
	}
	train := s.Properties["train"]
	for _, name := range []string{"epochs", "batch_size", "accumulate", "max_seq_length"} {
		train.Properties[name].Minimum = ptr(1.0)
	}
	for _, name := range []string{"lr", "encoder_lr"} {
		train.Properties[name].ExclusiveMinimum = ptr(0.0)
	}
	// Policy names are matched like loss.ParsePolicy: trimmed, any case.
	names := []string{"max"}
	for _, p := range loss.Policies {
		names = append(names, string(p))
	}
	train.Properties["loss_policy"].Pattern = `^\s*(?i:` + strings.Join(names, "|") + `)\s*$`
	s.Properties["encoder"].Properties["kind"].Enum = []any{"hash", "onnx"}
	s.Properties["decode"].Properties["beam_size"].Minimum = ptr(1.0)
	return s, nil
}

func validateSchema(s *jsonschema.Schema, instance any) error {
	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

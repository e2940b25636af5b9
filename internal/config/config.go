package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"segbench/internal/model"
)

// EnvPrefix namespaces environment overrides, e.g. SEGBENCH_DATA_BATCH_SIZE.
const EnvPrefix = "SEGBENCH"

// Config captures the runtime knobs for a segbench run.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Model     ModelConfig     `mapstructure:"model"`
	Converter ConverterConfig `mapstructure:"converter"`
	Data      DataConfig      `mapstructure:"data"`
	Eval      EvalConfig      `mapstructure:"eval"`
	Report    ReportConfig    `mapstructure:"report"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
}

type ModelConfig struct {
	Path       string `mapstructure:"path"`
	Precision  string `mapstructure:"precision"`
	InputName  string `mapstructure:"input_name"`
	OutputName string `mapstructure:"output_name"`
}

type ConverterConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

type DataConfig struct {
	Roots      []string `mapstructure:"roots"`
	BatchSize  int      `mapstructure:"batch_size"`
	Crop       []int    `mapstructure:"crop"`
	NumWorkers int      `mapstructure:"num_workers"`
	Seed       int64    `mapstructure:"seed"`
	Shuffle    bool     `mapstructure:"shuffle"`
}

type EvalConfig struct {
	Smooth     float64 `mapstructure:"smooth"`
	LogEvery   int     `mapstructure:"log_every"`
	MaxBatches int     `mapstructure:"max_batches"`
}

type ReportConfig struct {
	Dir string `mapstructure:"dir"`
	PNG bool   `mapstructure:"png"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	LogLevel   string
	ModelPath  string
	DataRoots  []string
	BatchSize  int
	Crop       []int
	NumWorkers int
	Seed       int64
	Smooth     float64
	MaxBatches int
	ReportDir  string
	StorePath  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("model.path", "")
	v.SetDefault("model.precision", string(model.PrecisionFP32))
	v.SetDefault("model.input_name", "input")
	v.SetDefault("model.output_name", "")
	v.SetDefault("converter.command", "")
	v.SetDefault("converter.args", []string{})
	v.SetDefault("data.roots", []string{})
	v.SetDefault("data.batch_size", 1)
	v.SetDefault("data.crop", []int{})
	v.SetDefault("data.num_workers", 2)
	v.SetDefault("data.seed", 816)
	v.SetDefault("data.shuffle", false)
	v.SetDefault("eval.smooth", 1e-4)
	v.SetDefault("eval.log_every", 10)
	v.SetDefault("eval.max_batches", 0)
	v.SetDefault("report.dir", "reports")
	v.SetDefault("report.png", false)
	v.SetDefault("store.path", "")
	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// Load reads a Config from the YAML file at path (optional) layered over
// defaults and SEGBENCH_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.ModelPath != "" {
		c.Model.Path = o.ModelPath
	}
	if len(o.DataRoots) > 0 {
		c.Data.Roots = append([]string(nil), o.DataRoots...)
	}
	if o.BatchSize > 0 {
		c.Data.BatchSize = o.BatchSize
	}
	if len(o.Crop) > 0 {
		c.Data.Crop = append([]int(nil), o.Crop...)
	}
	if o.NumWorkers > 0 {
		c.Data.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Data.Seed = o.Seed
	}
	if o.Smooth > 0 {
		c.Eval.Smooth = o.Smooth
	}
	if o.MaxBatches > 0 {
		c.Eval.MaxBatches = o.MaxBatches
	}
	if o.ReportDir != "" {
		c.Report.Dir = o.ReportDir
	}
	if o.StorePath != "" {
		c.Store.Path = o.StorePath
	}
}

// Validate verifies the config is usable and fills in soft defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Data.BatchSize <= 0 {
		return fmt.Errorf("data.batch_size must be > 0 (got %d)", c.Data.BatchSize)
	}
	for i, v := range c.Data.Crop {
		if v <= 0 {
			return fmt.Errorf("data.crop[%d] must be > 0 (got %d)", i, v)
		}
	}
	if c.Data.NumWorkers <= 0 {
		c.Data.NumWorkers = 1
	}
	if !(c.Eval.Smooth > 0) {
		return fmt.Errorf("eval.smooth must be > 0 (got %g)", c.Eval.Smooth)
	}
	if c.Eval.LogEvery <= 0 {
		c.Eval.LogEvery = 10
	}
	p, err := model.ParsePrecision(c.Model.Precision)
	if err != nil {
		return fmt.Errorf("model.precision: %w", err)
	}
	c.Model.Precision = string(p)
	if c.Model.InputName == "" {
		c.Model.InputName = "input"
	}
	return nil
}

// ValidateEval checks the fields an evaluation run needs on top of Validate.
func (c *Config) ValidateEval() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Model.Path == "" {
		return errors.New("model.path must be set")
	}
	if len(c.Data.Roots) == 0 {
		return errors.New("at least one data root must be set")
	}
	return nil
}

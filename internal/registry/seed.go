package registry

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"feedhub/internal/logger"
	"feedhub/internal/market"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed seed.schema.json
var seedSchemaJSON []byte

// SeedFile 映射 subscriptions.yaml。
type SeedFile struct {
	Version       int         `yaml:"version"`
	Subscriptions []SeedEntry `yaml:"subscriptions"`
}

// SeedEntry 描述一条订阅。
type SeedEntry struct {
	Instrument     string            `yaml:"instrument"`
	Timeframe      string            `yaml:"timeframe"`
	Source         string            `yaml:"source"`
	DataType       string            `yaml:"data_type"`
	Account        string            `yaml:"account"`
	Realtime       *bool             `yaml:"realtime"`
	Historical     bool              `yaml:"historical"`
	OrderBookDepth int               `yaml:"order_book_depth"`
	Extra          map[string]string `yaml:"extra"`
}

// Config converts the entry; realtime defaults to true.
func (e SeedEntry) Config(version int) (market.MarketDataConfig, error) {
	dt, err := market.ParseDataType(e.DataType)
	if err != nil {
		return market.MarketDataConfig{}, &market.ConfigValidationError{Field: "data_type", Reason: err.Error()}
	}
	realtime := true
	if e.Realtime != nil {
		realtime = *e.Realtime
	}
	cfg := market.MarketDataConfig{
		Instrument:   strings.ToUpper(strings.TrimSpace(e.Instrument)),
		Timeframe:    strings.ToLower(strings.TrimSpace(e.Timeframe)),
		Source:       strings.TrimSpace(e.Source),
		DataType:     dt,
		Account:      strings.TrimSpace(e.Account),
		IsRealtime:   realtime,
		IsHistorical: e.Historical,
		Options: market.ConfigOptions{
			Version:        version,
			OrderBookDepth: e.OrderBookDepth,
			Extra:          e.Extra,
		},
	}
	return cfg, nil
}

var seedSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("seed.schema.json", bytes.NewReader(seedSchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("seed.schema.json")
})

// ParseSeed validates raw YAML against the seed schema, then decodes it
// strictly; unknown keys are errors.
func ParseSeed(raw []byte) (SeedFile, error) {
	schema, err := seedSchema()
	if err != nil {
		return SeedFile{}, fmt.Errorf("compile seed schema: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return SeedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return SeedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	// 数字保留为 json.Number，与 jsonschema 的校验方式一致
	var inst any
	jdec := json.NewDecoder(bytes.NewReader(asJSON))
	jdec.UseNumber()
	if err := jdec.Decode(&inst); err != nil {
		return SeedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return SeedFile{}, fmt.Errorf("seed does not match schema: %w", err)
	}

	var file SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return SeedFile{}, fmt.Errorf("decode seed: %w", err)
	}
	return file, nil
}

func ReadSeedFile(path string) (SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// SeedDiff reports what ApplySeed changed.
type SeedDiff struct {
	Added     []market.ConfigKey
	Updated   []market.ConfigKey
	Removed   []market.ConfigKey
	Unchanged int
}

func (d SeedDiff) String() string {
	return fmt.Sprintf("added=%d updated=%d removed=%d unchanged=%d", len(d.Added), len(d.Updated), len(d.Removed), d.Unchanged)
}

// ApplySeed makes the active set equal to the file: new entries are
// activated, changed ones re-activated and missing ones deactivated. One
// bad entry does not stop the others; their errors are joined.
func (r *Registry) ApplySeed(ctx context.Context, file SeedFile) (SeedDiff, error) {
	r.seedMu.Lock()
	defer r.seedMu.Unlock()

	var (
		diff SeedDiff
		errs []error
		want = make(map[market.ConfigKey]bool, len(file.Subscriptions))
	)
	for i, entry := range file.Subscriptions {
		cfg, err := entry.Config(file.Version)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: %w", i, err))
			continue
		}
		key := cfg.Key()
		if want[key] {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: duplicate %s", i, key))
			continue
		}
		want[key] = true

		current, exists := r.GetByKey(key)
		if exists && sameSettings(current, cfg) {
			diff.Unchanged++
			continue
		}
		if _, err := r.Activate(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions[%d] %s: %w", i, key, err))
			continue
		}
		if exists {
			diff.Updated = append(diff.Updated, key)
		} else {
			diff.Added = append(diff.Added, key)
		}
	}

	for _, cfg := range r.List() {
		if want[cfg.Key()] {
			continue
		}
		if err := r.Deactivate(ctx, cfg.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		diff.Removed = append(diff.Removed, cfg.Key())
	}
	return diff, errors.Join(errs...)
}

// WatchSeed applies the file now and again on every change until ctx ends.
func (r *Registry) WatchSeed(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("seed watch requires path")
	}
	if err := r.applySeedFile(ctx, path); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		defer safeRecover("seed reload")
		if err := r.applySeedFile(ctx, path); err != nil {
			logger.Errorf("[registry] seed reload failed: %v", err)
		}
	})
	v.WatchConfig()
	return nil
}

func (r *Registry) applySeedFile(ctx context.Context, path string) error {
	file, err := ReadSeedFile(path)
	if err != nil {
		return err
	}
	diff, err := r.ApplySeed(ctx, file)
	logger.Infof("[registry] seed %s applied: %s", filepath.Base(path), diff)
	if err != nil {
		logger.Warnf("[registry] seed %s: %v", filepath.Base(path), err)
	}
	return nil
}

func sameSettings(a, b market.MarketDataConfig) bool {
	return a.Account == b.Account &&
		a.IsRealtime == b.IsRealtime &&
		a.IsHistorical == b.IsHistorical &&
		a.Options.OrderBookDepth == b.Options.OrderBookDepth &&
		maps.Equal(a.Options.Extra, b.Options.Extra)
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("[registry] %s panic: %v", tag, r)
	}
}

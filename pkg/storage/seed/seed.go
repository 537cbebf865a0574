// Package seed bulk loads campsites from a JSON array into a datastore.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trailcamp/campsites/assets"
	"github.com/trailcamp/campsites/pkg/campsite"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/codec"
	"github.com/trailcamp/campsites/pkg/telemetry"
)

var tracer = otel.Tracer("campsites/pkg/storage/seed")

const (
	defaultKeyPrefix           = "camp_"
	defaultBatchSize           = 100
	defaultMaxConcurrentWrites = 4
)

// Result counts the entries of one load.
type Result struct {
	Loaded int
	Failed int
}

type Loader struct {
	datastore           storage.Writer
	codec               *codec.Codec
	logger              logger.Logger
	keyPrefix           string
	batchSize           int
	maxConcurrentWrites int
}

type LoaderOption func(*Loader)

func WithLogger(l logger.Logger) LoaderOption {
	return func(ld *Loader) {
		ld.logger = l
	}
}

func WithCodec(c *codec.Codec) LoaderOption {
	return func(ld *Loader) {
		ld.codec = c
	}
}

func WithKeyPrefix(prefix string) LoaderOption {
	return func(ld *Loader) {
		ld.keyPrefix = prefix
	}
}

// WithBatchSize sets how many pairs go into one datastore write. It must not
// exceed the write limit of the engine.
func WithBatchSize(n int) LoaderOption {
	return func(ld *Loader) {
		ld.batchSize = n
	}
}

func WithMaxConcurrentWrites(n int) LoaderOption {
	return func(ld *Loader) {
		ld.maxConcurrentWrites = n
	}
}

func NewLoader(ds storage.Writer, opts ...LoaderOption) *Loader {
	ld := &Loader{
		datastore:           ds,
		codec:               codec.New(codec.None),
		logger:              logger.NewNoopLogger(),
		keyPrefix:           defaultKeyPrefix,
		batchSize:           defaultBatchSize,
		maxConcurrentWrites: defaultMaxConcurrentWrites,
	}

	for _, opt := range opts {
		opt(ld)
	}

	if ld.batchSize <= 0 {
		ld.batchSize = defaultBatchSize
	}
	if ld.maxConcurrentWrites <= 0 {
		ld.maxConcurrentWrites = 1
	}

	return ld
}

// LoadFile loads the JSON array at path, or the embedded sample dataset when
// path is empty.
func (ld *Loader) LoadFile(ctx context.Context, path string) (*Result, error) {
	if path == "" {
		f, err := assets.EmbedData.Open(assets.SampleCampsitesFile)
		if err != nil {
			return nil, fmt.Errorf("open sample campsites: %w", err)
		}
		defer f.Close()
		return ld.Load(ctx, f)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open campsites file: %w", err)
	}
	defer f.Close()

	return ld.Load(ctx, f)
}

// Load replaces every campsite under the key prefix with the entries of the
// JSON array read from r. Entries that fail validation are logged and counted
// in Failed; a later entry with the same id replaces an earlier one.
func (ld *Loader) Load(ctx context.Context, r io.Reader) (*Result, error) {
	ctx, span := tracer.Start(ctx, "seed.Load")
	defer span.End()

	data, err := io.ReadAll(r)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("read campsites: %w", err)
	}

	parsed := gjson.ParseBytes(data)
	if !gjson.ValidBytes(data) || !parsed.IsArray() {
		err := fmt.Errorf("campsites must be a JSON array")
		telemetry.TraceError(span, err)
		return nil, err
	}

	kvs, failed := ld.encode(ctx, parsed)

	if err := ld.datastore.DeleteRange(ctx, storage.PrefixRange(ld.keyPrefix)); err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("clear campsites: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ld.maxConcurrentWrites)
	for start := 0; start < len(kvs); start += ld.batchSize {
		batch := kvs[start:min(start+ld.batchSize, len(kvs))]
		g.Go(func() error {
			return ld.datastore.Write(gctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("write campsites: %w", err)
	}

	result := &Result{Loaded: len(kvs), Failed: failed}
	span.SetAttributes(
		attribute.Int("loaded", result.Loaded),
		attribute.Int("failed", result.Failed),
	)
	ld.logger.InfoWithContext(ctx, "seeded campsites",
		zap.Int("loaded", result.Loaded),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

func (ld *Loader) encode(ctx context.Context, entries gjson.Result) ([]*storage.KeyValue, int) {
	var (
		kvs    []*storage.KeyValue
		failed int
		index  int
	)
	byKey := map[string]int{}

	entries.ForEach(func(_, entry gjson.Result) bool {
		defer func() { index++ }()

		kv, err := ld.encodeEntry([]byte(entry.Raw))
		if err != nil {
			failed++
			ld.logger.WarnWithContext(ctx, "skipping invalid campsite",
				zap.Int("index", index),
				zap.Error(err),
			)
			return true
		}

		if i, ok := byKey[kv.Key]; ok {
			kvs[i] = kv
			return true
		}
		byKey[kv.Key] = len(kvs)
		kvs = append(kvs, kv)
		return true
	})

	return kvs, failed
}

func (ld *Loader) encodeEntry(raw []byte) (*storage.KeyValue, error) {
	c, err := campsite.Decode(raw)
	if err != nil {
		return nil, err
	}

	canonical, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}

	value, err := ld.codec.Encode(canonical)
	if err != nil {
		return nil, err
	}

	return &storage.KeyValue{Key: ld.keyPrefix + c.ID, Value: value}, nil
}

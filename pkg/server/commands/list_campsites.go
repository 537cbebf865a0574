package commands

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/trailcamp/campsites/internal/build"
	"github.com/trailcamp/campsites/pkg/campsite"
	"github.com/trailcamp/campsites/pkg/logger"
	serverErrors "github.com/trailcamp/campsites/pkg/server/errors"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/codec"
)

var tracer = otel.Tracer("campsites/pkg/server/commands")

const (
	// DefaultKeyPrefix prefixes every campsite key in the store.
	DefaultKeyPrefix = "camp_"

	minElevationParam = "min_elevation"
	maxElevationParam = "max_elevation"
)

var decodeFailuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "decode_failures_total",
	Help:      "The total number of stored values skipped because they are not valid campsites, by field.",
}, []string{"field"})

// CampsiteIterator yields validated campsites one at a time.
type CampsiteIterator = storage.Iterator[*campsite.Campsite]

// ListCampsitesRequest selects the campsites to list.
type ListCampsitesRequest struct {
	Elevation campsite.ElevationRange
}

// ListCampsitesQuery scans the campsite keyspace lazily, skipping values that do
// not decode and campsites outside the requested elevation range.
type ListCampsitesQuery struct {
	datastore storage.RangeReader
	logger    logger.Logger
	codec     *codec.Codec
	keyPrefix string
}

type ListCampsitesQueryOption func(*ListCampsitesQuery)

func WithListCampsitesQueryLogger(l logger.Logger) ListCampsitesQueryOption {
	return func(q *ListCampsitesQuery) {
		q.logger = l
	}
}

// WithListCampsitesKeyPrefix sets the prefix scanned for campsites.
func WithListCampsitesKeyPrefix(prefix string) ListCampsitesQueryOption {
	return func(q *ListCampsitesQuery) {
		q.keyPrefix = prefix
	}
}

// WithListCampsitesCodec sets the codec used to unframe stored values.
func WithListCampsitesCodec(c *codec.Codec) ListCampsitesQueryOption {
	return func(q *ListCampsitesQuery) {
		q.codec = c
	}
}

func NewListCampsitesQuery(ds storage.RangeReader, opts ...ListCampsitesQueryOption) *ListCampsitesQuery {
	q := &ListCampsitesQuery{
		datastore: ds,
		logger:    logger.NewNoopLogger(),
		codec:     codec.New(codec.None),
		keyPrefix: DefaultKeyPrefix,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Execute starts the range scan and returns the matching campsites as a lazy iterator.
// An error is only returned when the scan cannot start; the caller must Stop the iterator.
func (q *ListCampsitesQuery) Execute(ctx context.Context, req *ListCampsitesRequest) (CampsiteIterator, error) {
	ctx, span := tracer.Start(ctx, "ListCampsitesQuery.Execute")
	defer span.End()

	iter, err := q.datastore.ReadRange(ctx, storage.PrefixRange(q.keyPrefix))
	if err != nil {
		return nil, serverErrors.HandleError("", err)
	}

	elevation := req.Elevation
	decoded := &decodingIterator{
		iter:   iter,
		codec:  q.codec,
		logger: q.logger,
	}

	return storage.NewFilteredIterator[*campsite.Campsite](decoded, func(c *campsite.Campsite) bool {
		return campsite.Matches(c, elevation)
	}), nil
}

// decodingIterator turns stored pairs into campsites. Pairs that fail to decode
// are logged, counted and skipped; they never end the iteration.
type decodingIterator struct {
	iter   storage.KeyValueIterator
	codec  *codec.Codec
	logger logger.Logger
}

var _ CampsiteIterator = (*decodingIterator)(nil)

func (d *decodingIterator) Next(ctx context.Context) (*campsite.Campsite, error) {
	for {
		kv, err := d.iter.Next(ctx)
		if err != nil {
			return nil, err
		}

		c, err := d.decode(kv)
		if err != nil {
			field := "value"
			var decodeErr *campsite.DecodeError
			if errors.As(err, &decodeErr) {
				field = decodeErr.Field
			}

			decodeFailuresCounter.WithLabelValues(field).Inc()
			d.logger.WarnWithContext(ctx, "failed to decode campsite",
				zap.String("key", kv.Key),
				zap.String("field", field),
				zap.Error(err),
			)
			continue
		}

		return c, nil
	}
}

func (d *decodingIterator) decode(kv *storage.KeyValue) (*campsite.Campsite, error) {
	raw, err := d.codec.Decode(kv.Value)
	if err != nil {
		return nil, &campsite.DecodeError{Field: "value", Reason: err.Error()}
	}

	return campsite.Decode(raw)
}

func (d *decodingIterator) Stop() {
	d.iter.Stop()
}

// ParseElevationRange reads min_elevation and max_elevation from query. Each present
// parameter must parse as a finite number; otherwise a *serverErrors.ValidationError
// names every offending parameter with its raw value.
func ParseElevationRange(query url.Values) (campsite.ElevationRange, error) {
	var (
		r       campsite.ElevationRange
		invalid []string
	)

	for _, param := range []struct {
		name  string
		bound **float64
	}{
		{name: minElevationParam, bound: &r.Min},
		{name: maxElevationParam, bound: &r.Max},
	} {
		if !query.Has(param.name) {
			continue
		}

		raw := query.Get(param.name)
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			invalid = append(invalid, param.name+"="+raw)
			continue
		}
		*param.bound = &v
	}

	if len(invalid) > 0 {
		return campsite.ElevationRange{}, serverErrors.NewValidationError("Invalid elevation parameters: %s", strings.Join(invalid, " "))
	}

	return r, nil
}

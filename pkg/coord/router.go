package coord

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/client"
	"github.com/ridemesh/ridemesh/pkg/metrics"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

// Query scopes.
const (
	ScopeLocal      = "local"
	ScopeGlobalFast = "global-fast"
	ScopeGlobalLive = "global-live"
)

var (
	// ErrUnknownScope is returned for a scope outside the three supported ones.
	ErrUnknownScope = errors.New("unknown query scope")

	// ErrCityRequired is returned for a local query without a city.
	ErrCityRequired = errors.New("local scope requires a city")

	// ErrLimitRange is returned for an explicit limit outside [1,100].
	ErrLimitRange = errors.New("limit must be between 1 and 100")
)

// DefaultLimit applies when a query carries no limit.
const DefaultLimit = 50

// RideQuery is a routed read request.
type RideQuery struct {
	City    *ride.Region `json:"city,omitempty"`
	Status  *ride.Status `json:"status,omitempty"`
	MinFare *float64     `json:"min_fare,omitempty"`
	MaxFare *float64     `json:"max_fare,omitempty"`
	Scope   string       `json:"scope"`
	Limit   int          `json:"limit"`
}

// Validate checks the query and fills in the default limit.
func (q *RideQuery) Validate() error {
	switch q.Scope {
	case ScopeLocal:
		if q.City == nil {
			return ErrCityRequired
		}
	case ScopeGlobalFast, ScopeGlobalLive:
	default:
		return ErrUnknownScope
	}
	if q.City != nil && !q.City.Valid() {
		return errors.New("invalid city: " + string(*q.City))
	}
	if q.Status != nil && !q.Status.Valid() {
		return errors.New("invalid status: " + string(*q.Status))
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit < 1 || q.Limit > 100 {
		return ErrLimitRange
	}
	return nil
}

func (q *RideQuery) listFilter() store.ListFilter {
	return store.ListFilter{
		City:    q.City,
		Status:  q.Status,
		MinFare: q.MinFare,
		MaxFare: q.MaxFare,
	}
}

func (q *RideQuery) listQuery() client.ListQuery {
	return client.ListQuery{
		City:    q.City,
		Status:  q.Status,
		MinFare: q.MinFare,
		MaxFare: q.MaxFare,
		Limit:   q.Limit,
	}
}

// QueryRouter dispatches reads by consistency scope: one region, the GLOBAL
// replica, or a scatter-gather over all regions.
type QueryRouter struct {
	regions map[ride.Region]*client.Regional
	global  *store.Store
	metrics *metrics.Collector
}

// NewQueryRouter creates a router over the participant clients and the
// GLOBAL replica store.
func NewQueryRouter(regions map[ride.Region]*client.Regional, global *store.Store, collector *metrics.Collector) *QueryRouter {
	return &QueryRouter{regions: regions, global: global, metrics: collector}
}

// Search executes the query under its scope. Scatter-gather tolerates
// partial failure: unreachable regions are logged and skipped.
func (r *QueryRouter) Search(ctx context.Context, q RideQuery) ([]*ride.Ride, error) {
	start := time.Now()
	rides, err := r.search(ctx, q)
	r.metrics.RecordQuery(time.Since(start), err == nil)
	return rides, err
}

func (r *QueryRouter) search(ctx context.Context, q RideQuery) ([]*ride.Ride, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	switch q.Scope {
	case ScopeLocal:
		cl, ok := r.regions[*q.City]
		if !ok {
			return nil, errors.New("no participant for city " + string(*q.City))
		}
		return cl.ListRides(ctx, q.listQuery())

	case ScopeGlobalFast:
		return r.global.List(q.listFilter(), store.FindOptions{Limit: q.Limit}), nil

	default: // ScopeGlobalLive
		return r.scatterGather(ctx, q), nil
	}
}

// scatterGather fans the query to every region, merges the partial results,
// sorts by timestamp descending and truncates to the limit.
func (r *QueryRouter) scatterGather(ctx context.Context, q RideQuery) []*ride.Ride {
	// The city filter still applies per region; regions that cannot match
	// are asked anyway since the filter excludes their rides.
	perRegion := q.listQuery()

	var (
		mu     sync.Mutex
		merged []*ride.Ride
		wg     sync.WaitGroup
	)
	for reg, cl := range r.regions {
		wg.Add(1)
		go func(reg ride.Region, cl *client.Regional) {
			defer wg.Done()
			rides, err := cl.ListRides(ctx, perRegion)
			if err != nil {
				log.WithField("region", reg).WithError(err).
					Warn("Scatter-gather region failed, returning partial results")
				return
			}
			mu.Lock()
			merged = append(merged, rides...)
			mu.Unlock()
		}(reg, cl)
	}
	wg.Wait()

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].RideID > merged[j].RideID
		}
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged
}

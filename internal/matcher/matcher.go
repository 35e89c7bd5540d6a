package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/coride/internal/models"
	"github.com/example/coride/internal/observability"
	"github.com/example/coride/internal/routing"
	"github.com/example/coride/internal/scoring"
	"github.com/example/coride/internal/storage"
)

// Stage names a step of the search pipeline.
type Stage string

const (
	StageReceived  Stage = "received"
	StageFiltered  Stage = "filtered"
	StageScored    Stage = "scored"
	StageClustered Stage = "clustered"
	StageRanked    Stage = "ranked"
	StageExpired   Stage = "expired"
)

// OfferTTL is how long a search result stays bookable.
const OfferTTL = 5 * time.Minute

const (
	DefaultRadiusMeters = 5000
	DefaultWorkers      = 8
)

type Fleet interface {
	Nearby(ctx context.Context, point models.Location, radiusMeters float64) ([]models.Driver, error)
}

type Scorer interface {
	ScorePath(route models.RoutePolyline, riderPath []models.Location) (scoring.Result, error)
	MatchScore(r scoring.Result, seatsOK bool) float64
}

type Clusterer interface {
	Assign(ctx context.Context, offers []models.DriverOffer) (map[string]string, error)
}

// Service runs rider searches against live fleet state. Zero-valued
// optional fields fall back to defaults; a Service is safe for concurrent
// use once built.
type Service struct {
	Fleet     Fleet
	Scorer    Scorer
	Clusterer Clusterer           // optional
	Router    routing.Router      // optional, straight line when nil
	Store     storage.SearchStore // optional
	Logger    *slog.Logger

	RadiusMeters float64
	MaxResults   int // 0 keeps every match
	Workers      int

	Now   func() time.Time
	NewID func() string
}

// Search validates req and returns ranked offers. An empty match set is a
// success. Errors wrapping models.ErrInvalidRequest are the caller's fault;
// context errors mean the caller went away.
func (s *Service) Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	created := s.now()
	res, err := s.run(ctx, req, created)
	observability.SearchLatency.Observe(time.Since(created).Seconds())
	observability.SearchesTotal.WithLabelValues(outcome(res, err)).Inc()
	return res, err
}

func (s *Service) run(ctx context.Context, req models.SearchRequest, created time.Time) (models.SearchResult, error) {
	// Received
	if err := req.Validate(); err != nil {
		return models.SearchResult{}, err
	}
	origin, destination := *req.Origin, *req.Destination
	seats := req.Preferences.SeatsRequired
	vehicle, filterVehicle := req.Preferences.VehicleFilter()

	// Filtered
	t := time.Now()
	drivers, err := s.Fleet.Nearby(ctx, origin, s.radius())
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("search %s: %w", StageFiltered, err)
	}
	observability.CandidatesPerSearch.Observe(float64(len(drivers)))
	candidates := drivers[:0]
	for _, d := range drivers {
		if d.AvailableSeats < seats {
			continue
		}
		if filterVehicle && d.VehicleType != vehicle {
			continue
		}
		candidates = append(candidates, d)
	}
	observeStage(StageFiltered, t)
	if err := ctx.Err(); err != nil {
		return models.SearchResult{}, fmt.Errorf("search %s: %w", StageFiltered, err)
	}

	// Scored
	t = time.Now()
	riderPath := s.riderPath(ctx, origin, destination)
	offers, err := s.score(ctx, candidates, riderPath, seats)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("search %s: %w", StageScored, err)
	}
	observeStage(StageScored, t)

	// Clustered
	t = time.Now()
	if s.Clusterer != nil && len(offers) > 0 {
		assigned, err := s.Clusterer.Assign(ctx, offers)
		if err != nil {
			return models.SearchResult{}, fmt.Errorf("search %s: %w", StageClustered, err)
		}
		for i := range offers {
			if cid, ok := assigned[offers[i].DriverID]; ok {
				offers[i].ClusterID = &cid
			}
		}
	}
	observeStage(StageClustered, t)
	if err := ctx.Err(); err != nil {
		return models.SearchResult{}, fmt.Errorf("search %s: %w", StageClustered, err)
	}

	// Ranked
	t = time.Now()
	Rank(offers)
	if s.MaxResults > 0 && len(offers) > s.MaxResults {
		offers = offers[:s.MaxResults]
	}
	observeStage(StageRanked, t)

	// Expired: consumers treat offers as unbookable after ExpiresAt
	result := models.SearchResult{
		SearchID:  s.newID(),
		CreatedAt: created,
		ExpiresAt: created.Add(OfferTTL),
		Matches:   offers,
	}
	if s.Store != nil {
		if err := s.Store.SaveSearch(ctx, result); err != nil {
			s.logger().Warn("search store failed", "search_id", result.SearchID, "error", err)
		}
	}
	s.logger().Info("search completed",
		"search_id", result.SearchID,
		"candidates", len(drivers),
		"matches", len(offers),
		"seats_required", seats,
		"duration_ms", time.Since(created).Milliseconds(),
	)
	return result, nil
}

// score computes detour, overlap and match score for each candidate.
// Drivers with malformed routes are skipped; the rest keep input order.
func (s *Service) score(ctx context.Context, drivers []models.Driver, riderPath []models.Location, seats int) ([]models.DriverOffer, error) {
	scored := make([]*models.DriverOffer, len(drivers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, d := range drivers {
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := s.Scorer.ScorePath(d.Route, riderPath)
			if errors.Is(err, models.ErrDegenerateRoute) {
				observability.DegenerateRoutes.Inc()
				s.logger().Warn("driver excluded", "driver_id", d.ID, "error", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("driver %s: %w", d.ID, err)
			}
			o := models.OfferFromDriver(d)
			o.DetourDistance = r.DetourMeters
			o.PathOverlapPercentage = r.Overlap
			o.MatchScore = s.Scorer.MatchScore(r, d.AvailableSeats >= seats)
			scored[i] = &o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offers := make([]models.DriverOffer, 0, len(scored))
	for _, o := range scored {
		if o != nil {
			offers = append(offers, *o)
		}
	}
	return offers, nil
}

func (s *Service) riderPath(ctx context.Context, origin, destination models.Location) []models.Location {
	straight := []models.Location{origin, destination}
	if s.Router == nil {
		return straight
	}
	p, err := s.Router.Route(ctx, origin, destination)
	if err != nil || len(p) < 2 {
		s.logger().Warn("rider route unavailable, using straight line", "error", err)
		return straight
	}
	return p
}

// Rank orders offers by match score descending, then eta ascending, then
// driver id.
func Rank(offers []models.DriverOffer) {
	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.MatchScore != b.MatchScore {
			return a.MatchScore > b.MatchScore
		}
		if a.ETAMinutes != b.ETAMinutes {
			return a.ETAMinutes < b.ETAMinutes
		}
		return a.DriverID < b.DriverID
	})
}

func observeStage(st Stage, start time.Time) {
	observability.StageLatency.WithLabelValues(string(st)).Observe(time.Since(start).Seconds())
}

func outcome(res models.SearchResult, err error) string {
	switch {
	case err == nil && len(res.Matches) == 0:
		return "empty"
	case err == nil:
		return "ok"
	case models.IsInvalidRequest(err):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return "search_" + uuid.NewString()
}

func (s *Service) radius() float64 {
	if s.RadiusMeters > 0 {
		return s.RadiusMeters
	}
	return DefaultRadiusMeters
}

func (s *Service) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return DefaultWorkers
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

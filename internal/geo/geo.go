package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Index is an in-memory driver location store. It answers candidate queries
// by scanning every record, which is fine for a single-city test fleet.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.DriverLocation
	freshness time.Duration
	now       func() time.Time
}

func NewIndex(freshness time.Duration) *Index {
	return &Index{drivers: make(map[string]models.DriverLocation), freshness: freshness, now: time.Now}
}

// Upsert replaces the driver's live record. A zero UpdatedAt is stamped with
// the current time.
func (g *Index) Upsert(ctx context.Context, d models.DriverLocation) error {
	if !d.Loc.Valid() {
		return ErrInvalidCoordinate
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[d.DriverID] = d
	return nil
}

// OnlineCount returns how many records are online and fresh.
func (g *Index) OnlineCount(ctx context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	n := 0
	for _, d := range g.drivers {
		if d.Online && now.Sub(d.UpdatedAt) <= g.freshness {
			n++
		}
	}
	return n, nil
}

func (g *Index) FindCandidates(ctx context.Context, pickup models.Coord, radiusKm float64, max int) ([]models.Candidate, error) {
	if !pickup.Valid() {
		return nil, ErrInvalidCoordinate
	}
	g.mu.RLock()
	now := g.now()
	out := make([]models.Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || now.Sub(d.UpdatedAt) > g.freshness {
			continue
		}
		dist := HaversineKm(pickup.Lat, pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.Candidate{DriverID: d.DriverID, DistanceKm: dist})
	}
	g.mu.RUnlock()
	return rank(out, max), nil
}

// rank sorts nearest-first, drops repeated driver ids and truncates to max.
func rank(cands []models.Candidate, max int) []models.Candidate {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].DriverID < cands[j].DriverID
	})
	seen := make(map[string]struct{}, len(cands))
	out := cands[:0]
	for _, c := range cands {
		if _, dup := seen[c.DriverID]; dup {
			continue
		}
		seen[c.DriverID] = struct{}{}
		out = append(out, c)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Package presence keeps each user's last reported location and answers
// radius queries over recently active, visible users.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/config"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Neighbor is one result of a Nearby query.
type Neighbor struct {
	model.PublicUser
	Distance float64 `json:"distance"`
}

// Index stores locations on the users table.
type Index struct {
	db            *gorm.DB
	freshness     time.Duration
	defaultRadius float64
	maxRadius     float64
	logger        *zap.Logger
	now           func() time.Time
}

func NewIndex(db *gorm.DB, cfg config.NearbyConfig, logger *zap.Logger) *Index {
	idx := &Index{
		db:            db,
		freshness:     cfg.Freshness,
		defaultRadius: cfg.DefaultRadiusM,
		maxRadius:     cfg.MaxRadiusM,
		logger:        logger,
		now:           time.Now,
	}
	if idx.freshness <= 0 {
		idx.freshness = 5 * time.Minute
	}
	if idx.defaultRadius <= 0 {
		idx.defaultRadius = 100
	}
	if idx.maxRadius < idx.defaultRadius {
		idx.maxRadius = idx.defaultRadius
	}
	return idx
}

// DefaultRadius is the radius used when a query does not give one.
func (x *Index) DefaultRadius() float64 { return x.defaultRadius }

// UpdateLocation overwrites the user's last known position and stamps it with
// the current time. A nil visible leaves the visibility flag unchanged.
func (x *Index) UpdateLocation(ctx context.Context, userID int64, lat, lon float64, visible *bool) error {
	if !validCoords(lat, lon) {
		return apperr.Validation("Invalid coordinates")
	}
	changes := map[string]interface{}{
		"last_lat":         lat,
		"last_lon":         lon,
		"last_location_ts": x.now().UTC(),
	}
	if visible != nil {
		changes["is_visible_nearby"] = *visible
	}
	res := x.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(changes)
	if res.Error != nil {
		return fmt.Errorf("update location: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("User not found")
	}
	return nil
}

// Nearby returns visible users, other than requesterID, whose location was
// reported within the freshness window and lies within radiusM meters of
// (lat, lon). Results are sorted by ascending distance. radiusM <= 0 means
// the default radius; larger values are clamped to the configured maximum.
func (x *Index) Nearby(ctx context.Context, requesterID int64, lat, lon, radiusM float64) ([]Neighbor, error) {
	if !validCoords(lat, lon) {
		return nil, apperr.Validation("Invalid coordinates")
	}
	if radiusM <= 0 {
		radiusM = x.defaultRadius
	}
	if radiusM > x.maxRadius {
		radiusM = x.maxRadius
	}

	span := latSpan(radiusM)
	cutoff := x.now().UTC().Add(-x.freshness)
	var candidates []model.User
	err := x.db.WithContext(ctx).
		Where("id <> ? AND is_visible_nearby = ? AND last_location_ts >= ?", requesterID, true, cutoff).
		Where("last_lat IS NOT NULL AND last_lon IS NOT NULL").
		Where("last_lat BETWEEN ? AND ?", lat-span, lat+span).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}

	out := make([]Neighbor, 0, len(candidates))
	for i := range candidates {
		u := &candidates[i]
		d := Haversine(lat, lon, *u.LastLat, *u.LastLon)
		if d > radiusM {
			continue
		}
		out = append(out, Neighbor{PublicUser: u.Public(), Distance: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

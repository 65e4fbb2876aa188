package sqlite

import (
	"context"
	"fmt"

	"github.com/tripwire/sentinel/internal/model"
)

// ListClusters returns every learned location cluster in creation order.
func (s *Store) ListClusters(ctx context.Context) ([]model.LocationCluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, center_lat, center_lng, radius_meters, visit_count,
		       time_spent_seconds, trusted, first_seen, last_visit,
		       first_signal_id, last_signal_id
		FROM   location_clusters
		ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list clusters: %w", err)
	}
	defer rows.Close()

	var out []model.LocationCluster
	for rows.Next() {
		var (
			c                model.LocationCluster
			first, lastVisit int64
		)
		if err := rows.Scan(&c.ID, &c.CenterLat, &c.CenterLng, &c.RadiusMeters, &c.VisitCount,
			&c.TimeSpentSeconds, &c.Trusted, &first, &lastVisit,
			&c.FirstSignalID, &c.LastSignalID); err != nil {
			return nil, fmt.Errorf("sqlite: scan cluster: %w", err)
		}
		c.FirstSeen = fromNanos(first)
		c.LastVisit = fromNanos(lastVisit)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCluster inserts c when c.ID is zero and otherwise updates its learned
// statistics. The trusted flag is only changed through SetClusterTrusted.
func (s *Store) SaveCluster(ctx context.Context, c model.LocationCluster) (int64, error) {
	if c.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO location_clusters
				(center_lat, center_lng, radius_meters, visit_count, time_spent_seconds,
				 trusted, first_seen, last_visit, first_signal_id, last_signal_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CenterLat, c.CenterLng, c.RadiusMeters, c.VisitCount, c.TimeSpentSeconds,
			c.Trusted, toNanos(c.FirstSeen), toNanos(c.LastVisit), c.FirstSignalID, c.LastSignalID,
		)
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert cluster: %w", err)
		}
		return res.LastInsertId()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE location_clusters
		SET    center_lat = ?, center_lng = ?, radius_meters = ?, visit_count = ?,
		       time_spent_seconds = ?, last_visit = ?, last_signal_id = ?
		WHERE  id = ?`,
		c.CenterLat, c.CenterLng, c.RadiusMeters, c.VisitCount, c.TimeSpentSeconds,
		toNanos(c.LastVisit), c.LastSignalID, c.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update cluster %d: %w", c.ID, err)
	}
	if err := requireRow(res, "update cluster", c.ID); err != nil {
		return 0, err
	}
	return c.ID, nil
}

// SetClusterTrusted marks or unmarks cluster id as a trusted place.
func (s *Store) SetClusterTrusted(ctx context.Context, id int64, trusted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE location_clusters SET trusted = ? WHERE id = ?`, trusted, id)
	if err != nil {
		return fmt.Errorf("sqlite: set cluster %d trusted: %w", id, err)
	}
	return requireRow(res, "set cluster trusted", id)
}

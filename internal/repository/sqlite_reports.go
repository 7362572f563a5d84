package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/models"
)

const reportColumns = `id, kind, submitter_id, district, state, latitude, longitude, description,
	severity, media, created_at, lifecycle, channels, overall_status, confidence,
	last_evaluated_at, locked, upvotes, downvotes, municipal_response, version, updated_at`

type channelsJSON struct {
	Weather models.ChannelResult `json:"weather"`
	News    models.ChannelResult `json:"news"`
	Social  models.ChannelResult `json:"social"`
}

func (s *SQLiteDB) CreateReport(ctx context.Context, r *models.Report) error {
	media, err := json.Marshal(r.Media)
	if err != nil {
		return fmt.Errorf("error encoding media: %w", err)
	}
	channels, err := encodeChannels(r.Verification)
	if err != nil {
		return err
	}
	response, err := encodeResponse(r.MunicipalResponse)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.SubmitterID, r.Location.District, r.Location.State,
		r.Location.Latitude, r.Location.Longitude, r.Description,
		r.Severity, string(media), r.CreatedAt.UnixNano(), r.Lifecycle, channels,
		r.Verification.OverallStatus, r.Verification.Confidence,
		nullableTime(r.Verification.LastEvaluatedAt), r.Verification.Locked,
		r.Votes.Upvotes, r.Votes.Downvotes, response, r.Version, r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("report %s already exists", r.ID)
		}
		return fmt.Errorf("error inserting report: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetReport(ctx context.Context, id string) (*models.Report, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("report %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if r.Votes.Voters, err = s.voters(ctx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteDB) ListReports(ctx context.Context, opts Filter) ([]models.Report, error) {
	var (
		where []string
		args  []any
	)
	if opts.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, *opts.Kind)
	}
	if opts.Status != nil {
		where = append(where, "overall_status = ?")
		args = append(args, *opts.Status)
	}
	if opts.Lifecycle != nil {
		where = append(where, "lifecycle = ?")
		args = append(args, *opts.Lifecycle)
	}
	if opts.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, opts.Since.UnixNano())
	}

	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	return s.queryReports(ctx, query, args...)
}

func (s *SQLiteDB) ListPendingUnclaimed(ctx context.Context, limit int, now time.Time) ([]models.Report, error) {
	return s.queryReports(ctx, `SELECT `+reportColumns+` FROM reports r
		WHERE r.overall_status = ? AND r.locked = 0
		AND NOT EXISTS (SELECT 1 FROM claims c WHERE c.report_id = r.id AND c.expires_at > ?)
		ORDER BY r.created_at ASC, r.id ASC
		LIMIT ?`,
		models.StatusPending, now.UnixNano(), limit,
	)
}

func (s *SQLiteDB) SaveReport(ctx context.Context, r *models.Report) error {
	channels, err := encodeChannels(r.Verification)
	if err != nil {
		return err
	}
	response, err := encodeResponse(r.MunicipalResponse)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx, `UPDATE reports SET
			lifecycle = ?, channels = ?, overall_status = ?, confidence = ?,
			last_evaluated_at = ?, locked = ?, upvotes = ?, downvotes = ?,
			municipal_response = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		r.Lifecycle, channels, r.Verification.OverallStatus, r.Verification.Confidence,
		nullableTime(r.Verification.LastEvaluatedAt), r.Verification.Locked,
		r.Votes.Upvotes, r.Votes.Downvotes, response, r.UpdatedAt.UnixNano(),
		r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("error updating report: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM reports WHERE id = ?)`, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("error checking report: %w", err)
		}
		if !exists {
			return apperr.NotFound("report %s not found", r.ID)
		}
		return apperr.Conflict("report %s was modified concurrently", r.ID)
	}

	r.Version++
	return nil
}

func (s *SQLiteDB) DeleteReport(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx Store) error {
		q := tx.(*SQLiteDB).q
		for _, stmt := range []string{
			`DELETE FROM votes WHERE report_id = ?`,
			`DELETE FROM moderation_actions WHERE report_id = ?`,
			`DELETE FROM claims WHERE report_id = ?`,
		} {
			if _, err := q.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("error deleting report dependents: %w", err)
			}
		}

		res, err := q.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("error deleting report: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("report %s not found", id)
		}
		return nil
	})
}

func (s *SQLiteDB) Statistics(ctx context.Context) (*models.Statistics, error) {
	stats := &models.Statistics{ByStatus: make(map[models.VerificationStatus]int)}
	for _, st := range models.VerificationStatuses {
		stats.ByStatus[st] = 0
	}

	rows, err := s.q.QueryContext(ctx, `SELECT overall_status, locked, COUNT(*) FROM reports GROUP BY overall_status, locked`)
	if err != nil {
		return nil, fmt.Errorf("error querying statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.VerificationStatus
			locked bool
			count  int
		)
		if err := rows.Scan(&status, &locked, &count); err != nil {
			return nil, fmt.Errorf("error scanning statistics: %w", err)
		}
		stats.TotalReports += count
		stats.ByStatus[status] += count
		if locked {
			stats.Locked += count
		}
		if status == models.StatusVerified && !locked {
			stats.AIVerified += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.ManualReview = stats.ByStatus[models.StatusManualReview]
	return stats, nil
}

// queryReports fully drains the result set before loading voters, since the
// pool has a single connection.
func (s *SQLiteDB) queryReports(ctx context.Context, query string, args ...any) ([]models.Report, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying reports: %w", err)
	}

	var reports []models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range reports {
		if reports[i].Votes.Voters, err = s.voters(ctx, reports[i].ID); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(sc scanner) (*models.Report, error) {
	var (
		r             models.Report
		district      sql.NullString
		state         sql.NullString
		description   sql.NullString
		media         sql.NullString
		createdAt     int64
		channels      string
		lastEvaluated sql.NullInt64
		response      sql.NullString
		updatedAt     int64
	)

	err := sc.Scan(
		&r.ID, &r.Kind, &r.SubmitterID, &district, &state,
		&r.Location.Latitude, &r.Location.Longitude, &description,
		&r.Severity, &media, &createdAt, &r.Lifecycle, &channels,
		&r.Verification.OverallStatus, &r.Verification.Confidence,
		&lastEvaluated, &r.Verification.Locked,
		&r.Votes.Upvotes, &r.Votes.Downvotes, &response, &r.Version, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("error scanning report: %w", err)
	}

	r.Location.District = district.String
	r.Location.State = state.String
	r.Description = description.String
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &r.Media); err != nil {
			return nil, fmt.Errorf("error decoding media: %w", err)
		}
	}

	var ch channelsJSON
	if err := json.Unmarshal([]byte(channels), &ch); err != nil {
		return nil, fmt.Errorf("error decoding channels: %w", err)
	}
	r.Verification.Weather = ch.Weather
	r.Verification.News = ch.News
	r.Verification.Social = ch.Social

	if lastEvaluated.Valid {
		t := time.Unix(0, lastEvaluated.Int64).UTC()
		r.Verification.LastEvaluatedAt = &t
	}

	if response.Valid && response.String != "" {
		var mr models.MunicipalResponse
		if err := json.Unmarshal([]byte(response.String), &mr); err != nil {
			return nil, fmt.Errorf("error decoding municipal response: %w", err)
		}
		r.MunicipalResponse = &mr
	}

	return &r, nil
}

func encodeChannels(v models.Verification) (string, error) {
	b, err := json.Marshal(channelsJSON{Weather: v.Weather, News: v.News, Social: v.Social})
	if err != nil {
		return "", fmt.Errorf("error encoding channels: %w", err)
	}
	return string(b), nil
}

func encodeResponse(mr *models.MunicipalResponse) (sql.NullString, error) {
	if mr == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(mr)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("error encoding municipal response: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

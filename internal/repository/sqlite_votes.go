package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/models"
)

func (s *SQLiteDB) AddVote(ctx context.Context, v models.Vote) error {
	res, err := s.q.ExecContext(ctx, `INSERT OR IGNORE INTO votes (report_id, user_id, direction, created_at)
		VALUES (?, ?, ?, ?)`,
		v.ReportID, v.UserID, v.Direction, v.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("error inserting vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		return apperr.Conflict("user %s already voted on report %s", v.UserID, v.ReportID)
	}
	return nil
}

func (s *SQLiteDB) ListVotes(ctx context.Context, reportID string) ([]models.Vote, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT report_id, user_id, direction, created_at
		FROM votes WHERE report_id = ? ORDER BY created_at, user_id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("error querying votes: %w", err)
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		var (
			v         models.Vote
			createdAt int64
		)
		if err := rows.Scan(&v.ReportID, &v.UserID, &v.Direction, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning vote: %w", err)
		}
		v.CreatedAt = time.Unix(0, createdAt).UTC()
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *SQLiteDB) voters(ctx context.Context, reportID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT user_id FROM votes WHERE report_id = ? ORDER BY created_at, user_id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("error querying voters: %w", err)
	}
	defer rows.Close()

	voters := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning voter: %w", err)
		}
		voters = append(voters, id)
	}
	return voters, rows.Err()
}

func (s *SQLiteDB) AddAction(ctx context.Context, a *models.ModerationAction) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO moderation_actions (id, report_id, moderator_id, action, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ReportID, a.ModeratorID, a.Action, a.Reason, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("error inserting moderation action: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ListActions(ctx context.Context, reportID string) ([]models.ModerationAction, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, report_id, moderator_id, action, reason, created_at
		FROM moderation_actions WHERE report_id = ? ORDER BY created_at, rowid`, reportID)
	if err != nil {
		return nil, fmt.Errorf("error querying moderation actions: %w", err)
	}
	defer rows.Close()

	var actions []models.ModerationAction
	for rows.Next() {
		var (
			a         models.ModerationAction
			reason    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.ReportID, &a.ModeratorID, &a.Action, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning moderation action: %w", err)
		}
		a.Reason = reason.String
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *SQLiteDB) ApplyTrustEvent(ctx context.Context, e models.TrustEvent, bounds TrustBounds, now time.Time) (int, bool, error) {
	var (
		score   int
		applied bool
	)
	err := s.InTx(ctx, func(tx Store) error {
		q := tx.(*SQLiteDB).q

		res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO trust_events (user_id, event_key, delta, reason, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			e.UserID, e.Key, e.Delta, e.Reason, now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("error recording trust event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", err)
		}

		if n > 0 {
			applied = true
			_, err = q.ExecContext(ctx, `INSERT INTO trust_scores (user_id, score, updated_at)
				VALUES (?, MAX(?, MIN(?, ? + ?)), ?)
				ON CONFLICT(user_id) DO UPDATE SET
					score = MAX(?, MIN(?, trust_scores.score + ?)),
					updated_at = excluded.updated_at`,
				e.UserID, bounds.Min, bounds.Max, bounds.Initial, e.Delta, now.UnixNano(),
				bounds.Min, bounds.Max, e.Delta,
			)
			if err != nil {
				return fmt.Errorf("error updating trust score: %w", err)
			}
		}

		err = q.QueryRowContext(ctx, `SELECT score FROM trust_scores WHERE user_id = ?`, e.UserID).Scan(&score)
		if errors.Is(err, sql.ErrNoRows) {
			score = bounds.Clamp(bounds.Initial)
			return nil
		}
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return score, applied, nil
}

func (s *SQLiteDB) GetTrustScore(ctx context.Context, userID string, initial int) (*models.TrustScore, error) {
	ts := &models.TrustScore{UserID: userID}
	var updatedAt int64
	err := s.q.QueryRowContext(ctx, `SELECT score, updated_at FROM trust_scores WHERE user_id = ?`, userID).
		Scan(&ts.Score, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		ts.Score = initial
		return ts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying trust score: %w", err)
	}
	ts.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return ts, nil
}

func (s *SQLiteDB) Claim(ctx context.Context, reportID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.q.ExecContext(ctx, `INSERT INTO claims (report_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(report_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE claims.expires_at <= ?`,
		reportID, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("error claiming report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteDB) Release(ctx context.Context, reportID, owner string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM claims WHERE report_id = ? AND owner = ?`, reportID, owner); err != nil {
		return fmt.Errorf("error releasing claim: %w", err)
	}
	return nil
}

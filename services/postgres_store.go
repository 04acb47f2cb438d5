package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mahoyaAPI/internal/achievement"
	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/benefit"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/notification"
	"mahoyaAPI/internal/progression"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresPool opens a pool with the service's connection limits and pings it.
func NewPostgresPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// pgError maps driver failures onto apperr kinds.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrTransientIO)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrTransientIO)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return pgError("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) GetProgress(ctx context.Context, userID string) (*progression.PlayerProgress, error) {
	query := `
		SELECT user_id, total_xp, current_xp, level, created_at
		FROM player_progress
		WHERE user_id = $1
	`
	var p progression.PlayerProgress
	err := s.db.QueryRow(ctx, query, userID).Scan(&p.UserID, &p.TotalXP, &p.CurrentXP, &p.Level, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, pgError("get progress", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreateProgress(ctx context.Context, p progression.PlayerProgress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO player_progress (user_id, total_xp, current_xp, level, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.Exec(ctx, query, p.UserID, p.TotalXP, p.CurrentXP, p.Level, p.CreatedAt); err != nil {
		return pgError("create progress", err)
	}
	return nil
}

func (s *PostgresStore) SaveLevel(ctx context.Context, p progression.PlayerProgress) error {
	query := `UPDATE player_progress SET level = $2, current_xp = $3 WHERE user_id = $1`
	tag, err := s.db.Exec(ctx, query, p.UserID, p.Level, p.CurrentXP)
	if err != nil {
		return pgError("save level", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %s: %w", p.UserID, apperr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddXP(ctx context.Context, userID string, amount int) (*progression.PlayerProgress, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, pgError("begin add xp", err)
	}
	defer tx.Rollback(ctx)

	p, err := addXPTx(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgError("commit add xp", err)
	}
	return p, nil
}

// addXPTx upserts the player row, bumps total_xp up to progression.MaxTotalXP
// and rewrites the derived columns inside tx.
func addXPTx(ctx context.Context, tx pgx.Tx, userID string, amount int) (*progression.PlayerProgress, error) {
	query := `
		INSERT INTO player_progress (user_id, total_xp, current_xp, level, created_at)
		VALUES ($1, $2, 0, 1, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET total_xp = LEAST(player_progress.total_xp::bigint + EXCLUDED.total_xp, $3)
		RETURNING user_id, total_xp, current_xp, level, created_at
	`
	amount = progression.AddTotalXP(0, amount)
	var p progression.PlayerProgress
	if err := tx.QueryRow(ctx, query, userID, amount, progression.MaxTotalXP).Scan(&p.UserID, &p.TotalXP, &p.CurrentXP, &p.Level, &p.CreatedAt); err != nil {
		return nil, pgError("add xp", err)
	}

	if p.Reconcile() {
		_, err := tx.Exec(ctx, `UPDATE player_progress SET level = $2, current_xp = $3 WHERE user_id = $1`, p.UserID, p.Level, p.CurrentXP)
		if err != nil {
			return nil, pgError("update level", err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) ListPlayerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id FROM player_progress ORDER BY user_id`)
	if err != nil {
		return nil, pgError("list players", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgError("scan players", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeletePlayer(ctx context.Context, userID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return pgError("begin delete player", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"user_achievements", "d20_rolls", "d20_eligibility", "user_benefits", "user_devices", "player_progress"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE user_id = $1", userID); err != nil {
			return pgError("delete from "+table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("commit delete player", err)
	}
	return nil
}

func (s *PostgresStore) ListAchievements(ctx context.Context) ([]achievement.Achievement, error) {
	query := `
		SELECT id::text, name, COALESCE(description, ''), COALESCE(icon, ''), xp_reward,
		       requirement_type, requirement_value, is_active, created_at
		FROM achievements
		WHERE is_active = TRUE
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, pgError("list achievements", err)
	}
	defer rows.Close()

	var out []achievement.Achievement
	for rows.Next() {
		var a achievement.Achievement
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Icon, &a.XPReward,
			&a.RequirementType, &a.RequirementValue, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, pgError("scan achievement", err)
		}
		parsed, err := achievement.ParseAchievement(a)
		if err != nil {
			log.Printf("ListAchievements: skipping invalid row: %v", err)
			continue
		}
		out = append(out, parsed)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate achievements", err)
	}
	return achievement.SortByRequirement(out), nil
}

func (s *PostgresStore) ListUserAchievements(ctx context.Context, userID string) ([]achievement.UserAchievement, error) {
	query := `
		SELECT user_id, achievement_id::text, unlocked_at
		FROM user_achievements
		WHERE user_id = $1
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, pgError("list unlocks", err)
	}
	unlocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (achievement.UserAchievement, error) {
		var ua achievement.UserAchievement
		err := row.Scan(&ua.UserID, &ua.AchievementID, &ua.UnlockedAt)
		return ua, err
	})
	if err != nil {
		return nil, pgError("scan unlocks", err)
	}
	return unlocks, nil
}

func (s *PostgresStore) GetStats(ctx context.Context, userID string) (achievement.Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(o.total), 0),
			(SELECT COUNT(DISTINCT oi.product_id)
			   FROM order_items oi
			   JOIN orders o2 ON o2.id = oi.order_id
			  WHERE o2.user_id = $1 AND o2.status NOT IN ('cancelled', 'canceled', 'refunded'))
		FROM orders o
		WHERE o.user_id = $1 AND o.status NOT IN ('cancelled', 'canceled', 'refunded')
	`
	var st achievement.Stats
	if err := s.db.QueryRow(ctx, query, userID).Scan(&st.OrdersCount, &st.TotalSpent, &st.UniqueProductCount); err != nil {
		return achievement.Stats{}, pgError("get stats", err)
	}
	return st, nil
}

func (s *PostgresStore) RecordUnlock(ctx context.Context, ua achievement.UserAchievement, xpReward int) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, pgError("begin unlock", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO user_achievements (user_id, achievement_id, unlocked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, achievement_id) DO NOTHING
	`, ua.UserID, ua.AchievementID, ua.UnlockedAt)
	if err != nil {
		return false, pgError("insert unlock", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if xpReward > 0 {
		if _, err := addXPTx(ctx, tx, ua.UserID, xpReward); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, pgError("commit unlock", err)
	}
	return true, nil
}

func (s *PostgresStore) ListLevelTitles(ctx context.Context) ([]progression.Title, error) {
	rows, err := s.db.Query(ctx, `SELECT level, title FROM level_titles ORDER BY level ASC`)
	if err != nil {
		return nil, pgError("list titles", err)
	}
	titles, err := pgx.CollectRows(rows, pgx.RowToStructByPos[progression.Title])
	if err != nil {
		return nil, pgError("scan titles", err)
	}
	if err := progression.ValidateTitles(titles); err != nil {
		return nil, err
	}
	return titles, nil
}

func (s *PostgresStore) GetEligibility(ctx context.Context, userID string) (*d20.Eligibility, error) {
	var e d20.Eligibility
	err := s.db.QueryRow(ctx, `SELECT user_id, enabled_at FROM d20_eligibility WHERE user_id = $1`, userID).Scan(&e.UserID, &e.EnabledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, pgError("get eligibility", err)
	}
	return &e, nil
}

func (s *PostgresStore) GrantEligibility(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO d20_eligibility (user_id, enabled_at) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, at)
	if err != nil {
		return pgError("grant eligibility", err)
	}
	return nil
}

func (s *PostgresStore) RevokeEligibility(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM d20_eligibility WHERE user_id = $1`, userID); err != nil {
		return pgError("revoke eligibility", err)
	}
	return nil
}

func (s *PostgresStore) GetRoll(ctx context.Context, userID string) (*d20.Roll, error) {
	query := `
		SELECT user_id, roll_result, prize_code, prize_title, prize_description, used_at, created_at
		FROM d20_rolls
		WHERE user_id = $1
	`
	var r d20.Roll
	err := s.db.QueryRow(ctx, query, userID).Scan(&r.UserID, &r.RollResult, &r.PrizeCode,
		&r.PrizeTitle, &r.PrizeDescription, &r.UsedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, pgError("get roll", err)
	}
	parsed, err := d20.ParseRoll(r)
	if err != nil {
		return nil, corruptRecord("roll", err)
	}
	return &parsed, nil
}

func (s *PostgresStore) InsertRoll(ctx context.Context, roll d20.Roll) (*d20.Roll, error) {
	query := `
		INSERT INTO d20_rolls (user_id, roll_result, prize_code, prize_title, prize_description, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)
	`
	_, err := s.db.Exec(ctx, query, roll.UserID, roll.RollResult, roll.PrizeCode,
		roll.PrizeTitle, roll.PrizeDescription, roll.CreatedAt)
	if err != nil {
		return nil, pgError("insert roll", err)
	}
	return &roll, nil
}

func (s *PostgresStore) MarkRollUsed(ctx context.Context, userID string, usedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE d20_rolls SET used_at = $2 WHERE user_id = $1 AND used_at IS NULL`, userID, usedAt)
	if err != nil {
		return pgError("mark roll used", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := s.GetRoll(ctx, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("roll for %s: %w", userID, apperr.ErrNotFound)
	}
	return fmt.Errorf("roll for %s: %w", userID, apperr.ErrAlreadyUsed)
}

func (s *PostgresStore) DeleteRoll(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM d20_rolls WHERE user_id = $1`, userID); err != nil {
		return pgError("delete roll", err)
	}
	return nil
}

const benefitColumns = `id::text, user_id, name, COALESCE(description, ''), COALESCE(discount_percent, 0),
	COALESCE(discount_fixed, 0), valid_until, is_used, used_at, created_at`

func scanBenefit(row pgx.Row) (benefit.Benefit, error) {
	var b benefit.Benefit
	err := row.Scan(&b.ID, &b.UserID, &b.Name, &b.Description, &b.DiscountPercent,
		&b.DiscountFixed, &b.ValidUntil, &b.IsUsed, &b.UsedAt, &b.CreatedAt)
	return b, err
}

func (s *PostgresStore) ListBenefitsForUser(ctx context.Context, userID string) ([]benefit.Benefit, error) {
	query := `SELECT ` + benefitColumns + ` FROM user_benefits WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, pgError("list benefits", err)
	}
	defer rows.Close()

	var out []benefit.Benefit
	for rows.Next() {
		b, err := scanBenefit(rows)
		if err != nil {
			return nil, pgError("scan benefit", err)
		}
		parsed, err := benefit.ParseBenefit(b)
		if err != nil {
			log.Printf("ListBenefitsForUser: skipping invalid row: %v", err)
			continue
		}
		out = append(out, parsed)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate benefits", err)
	}
	return out, nil
}

func (s *PostgresStore) GetBenefit(ctx context.Context, benefitID string) (*benefit.Benefit, error) {
	if _, err := uuid.Parse(benefitID); err != nil {
		return nil, nil
	}
	query := `SELECT ` + benefitColumns + ` FROM user_benefits WHERE id = $1`
	b, err := scanBenefit(s.db.QueryRow(ctx, query, benefitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, pgError("get benefit", err)
	}
	parsed, err := benefit.ParseBenefit(b)
	if err != nil {
		return nil, corruptRecord("benefit", err)
	}
	return &parsed, nil
}

func (s *PostgresStore) MarkBenefitUsed(ctx context.Context, benefitID string, usedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE user_benefits SET is_used = TRUE, used_at = $2
		WHERE id = $1 AND is_used = FALSE
	`, benefitID, usedAt)
	if err != nil {
		return pgError("mark benefit used", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("benefit %s: %w", benefitID, apperr.ErrAlreadyUsed)
	}
	return nil
}

func (s *PostgresStore) SaveDevice(ctx context.Context, device notification.DeviceToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_devices (user_id, token, platform, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform
	`, device.UserID, device.Token, string(device.Platform), device.CreatedAt)
	if err != nil {
		return pgError("save device", err)
	}
	return nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, userID string) ([]notification.DeviceToken, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id, token, platform, created_at FROM user_devices WHERE user_id = $1`, userID)
	if err != nil {
		return nil, pgError("list devices", err)
	}
	devices, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (notification.DeviceToken, error) {
		var d notification.DeviceToken
		var platform string
		err := row.Scan(&d.UserID, &d.Token, &platform, &d.CreatedAt)
		d.Platform = notification.Platform(platform)
		return d, err
	})
	if err != nil {
		return nil, pgError("scan devices", err)
	}
	return devices, nil
}

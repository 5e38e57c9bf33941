package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists tracking state in the topics, posts and
// topic_users tables (see the migrations directory). Renumbering runs inside
// a transaction that locks the topic row, so concurrent MarkRead calls cannot
// leave a read position above the recomputed highest post number.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	horizon time.Duration
	log     *slog.Logger
}

// PostgresOption configures a PostgresRepository.
type PostgresOption func(*PostgresRepository)

// WithNewTopicHorizon overrides the new-topic cutoff window.
func WithNewTopicHorizon(d time.Duration) PostgresOption {
	return func(r *PostgresRepository) {
		if d > 0 {
			r.horizon = d
		}
	}
}

// WithLogger sets the structured logger used for self-heal warnings.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(r *PostgresRepository) {
		if log != nil {
			r.log = log
		}
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresRepository {
	r := &PostgresRepository{
		pool:    pool,
		horizon: DefaultNewTopicHorizon,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PostgresRepository) CreateTopic(ctx context.Context, t *Topic) error {
	if t.Archetype == "" {
		t.Archetype = ArchetypeRegular
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.HighestPostNumber = 1

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create topic: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	row := tx.QueryRow(ctx, `
		INSERT INTO topics (category_id, archetype, visible, highest_post_number, created_at)
		VALUES ($1, $2, $3, 1, $4)
		RETURNING id`,
		t.CategoryID, t.Archetype, t.Visible, t.CreatedAt)
	if err := row.Scan(&t.ID); err != nil {
		return fmt.Errorf("insert topic: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO posts (topic_id, post_number) VALUES ($1, 1)`, t.ID); err != nil {
		return fmt.Errorf("insert first post: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) Topic(ctx context.Context, topicID int64) (*Topic, error) {
	var t Topic
	err := r.pool.QueryRow(ctx, `
		SELECT id, category_id, archetype, visible, closed, archived,
		       highest_post_number, created_at, deleted_at
		FROM topics WHERE id = $1`, topicID).
		Scan(&t.ID, &t.CategoryID, &t.Archetype, &t.Visible, &t.Closed,
			&t.Archived, &t.HighestPostNumber, &t.CreatedAt, &t.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTopicNotFound
		}
		return nil, fmt.Errorf("load topic %d: %w", topicID, err)
	}
	return &t, nil
}

// AddPost bumps highest_post_number atomically and records the post under
// the returned number; the UPDATE ... RETURNING makes concurrent replies
// serialize on the topic row.
func (r *PostgresRepository) AddPost(ctx context.Context, topicID int64) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin add post: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var postNumber int
	err = tx.QueryRow(ctx, `
		UPDATE topics SET highest_post_number = highest_post_number + 1
		WHERE id = $1
		RETURNING highest_post_number`, topicID).Scan(&postNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTopicNotFound
		}
		return 0, fmt.Errorf("bump highest post number for topic %d: %w", topicID, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO posts (topic_id, post_number) VALUES ($1, $2)`,
		topicID, postNumber); err != nil {
		return 0, fmt.Errorf("insert post %d/%d: %w", topicID, postNumber, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return postNumber, nil
}

// DeletePost removes the post, renumbers the survivors consecutively and
// clamps read positions under the new highest post number, all in one
// transaction. The topic row lock keeps renumbering exclusive against
// concurrent AddPost calls.
func (r *PostgresRepository) DeletePost(ctx context.Context, topicID int64, postNumber int) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delete post: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		SELECT 1 FROM topics WHERE id = $1 FOR UPDATE`, topicID); err != nil {
		return 0, fmt.Errorf("lock topic %d: %w", topicID, err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM posts WHERE topic_id = $1 AND post_number = $2`,
		topicID, postNumber)
	if err != nil {
		return 0, fmt.Errorf("delete post %d/%d: %w", topicID, postNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrPostNotFound
	}

	// Renumber the survivors consecutively. The two-step sign flip keeps the
	// (topic_id, post_number) primary key unique at every point: rows first
	// move to their negated target number, then flip positive.
	if _, err := tx.Exec(ctx, `
		WITH renumbered AS (
			SELECT post_number,
			       ROW_NUMBER() OVER (ORDER BY post_number) AS rn
			FROM posts WHERE topic_id = $1
		)
		UPDATE posts p SET post_number = -r.rn
		FROM renumbered r
		WHERE p.topic_id = $1 AND p.post_number = r.post_number`,
		topicID); err != nil {
		return 0, fmt.Errorf("renumber posts for topic %d: %w", topicID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE posts SET post_number = -post_number
		WHERE topic_id = $1 AND post_number < 0`, topicID); err != nil {
		return 0, fmt.Errorf("renumber posts for topic %d: %w", topicID, err)
	}

	var highest int
	err = tx.QueryRow(ctx, `
		UPDATE topics
		SET highest_post_number = (
			SELECT COALESCE(MAX(post_number), 0) FROM posts WHERE topic_id = $1
		)
		WHERE id = $1
		RETURNING highest_post_number`, topicID).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("reset highest post number for topic %d: %w", topicID, err)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE topic_users
		SET last_read_post_number = LEAST(last_read_post_number, $2),
		    seen_post_count = LEAST(seen_post_count, $2)
		WHERE topic_id = $1
		  AND (last_read_post_number > $2 OR seen_post_count > $2)`,
		topicID, highest)
	if err != nil {
		return 0, fmt.Errorf("clamp read positions for topic %d: %w", topicID, err)
	}
	if clamped := tag.RowsAffected(); clamped > 0 {
		r.log.Warn("clamped inconsistent read positions",
			slog.Int64("topic_id", topicID),
			slog.Int("highest", highest),
			slog.Int64("rows", clamped))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return highest, nil
}

func (r *PostgresRepository) MarkRead(ctx context.Context, userID, topicID int64, postNumber int) (ReadPosition, error) {
	var pos ReadPosition
	err := r.pool.QueryRow(ctx, `
		WITH t AS (SELECT highest_post_number FROM topics WHERE id = $2)
		INSERT INTO topic_users (user_id, topic_id, last_read_post_number, seen_post_count,
		                         notification_level, first_visited_at, last_visited_at)
		SELECT $1, $2, LEAST($3, t.highest_post_number), LEAST($3, t.highest_post_number),
		       $4, now(), now()
		FROM t
		ON CONFLICT (topic_id, user_id) DO UPDATE SET
			last_read_post_number = GREATEST(topic_users.last_read_post_number, EXCLUDED.last_read_post_number),
			seen_post_count = GREATEST(topic_users.seen_post_count, EXCLUDED.seen_post_count),
			last_visited_at = now()
		RETURNING user_id, topic_id, last_read_post_number, seen_post_count,
		          notification_level, starred, cleared_pinned_at,
		          first_visited_at, last_visited_at`,
		userID, topicID, postNumber, NotificationRegular).
		Scan(&pos.UserID, &pos.TopicID, &pos.LastReadPostNumber, &pos.SeenPostCount,
			&pos.NotificationLevel, &pos.Starred, &pos.ClearedPinnedAt,
			&pos.FirstVisitedAt, &pos.LastVisitedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReadPosition{}, ErrTopicNotFound
		}
		return ReadPosition{}, fmt.Errorf("mark read %d/%d: %w", userID, topicID, err)
	}
	return pos, nil
}

func (r *PostgresRepository) ReadPosition(ctx context.Context, userID, topicID int64) (*ReadPosition, error) {
	var pos ReadPosition
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, topic_id, last_read_post_number, seen_post_count,
		       notification_level, starred, cleared_pinned_at,
		       first_visited_at, last_visited_at
		FROM topic_users WHERE user_id = $1 AND topic_id = $2`,
		userID, topicID).
		Scan(&pos.UserID, &pos.TopicID, &pos.LastReadPostNumber, &pos.SeenPostCount,
			&pos.NotificationLevel, &pos.Starred, &pos.ClearedPinnedAt,
			&pos.FirstVisitedAt, &pos.LastVisitedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load read position %d/%d: %w", userID, topicID, err)
	}
	return &pos, nil
}

func (r *PostgresRepository) SetNotificationLevel(ctx context.Context, userID, topicID int64, level NotificationLevel) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO topic_users (user_id, topic_id, notification_level,
		                         first_visited_at, last_visited_at)
		SELECT $1, id, $3, now(), now() FROM topics WHERE id = $2
		ON CONFLICT (topic_id, user_id) DO UPDATE SET
			notification_level = EXCLUDED.notification_level`,
		userID, topicID, level)
	if err != nil {
		return fmt.Errorf("set notification level %d/%d: %w", userID, topicID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTopicNotFound
	}
	return nil
}

func (r *PostgresRepository) TrackingUsers(ctx context.Context, topicID int64) ([]TrackedUser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, notification_level
		FROM topic_users
		WHERE topic_id = $1 AND notification_level >= $2`,
		topicID, NotificationTracking)
	if err != nil {
		return nil, fmt.Errorf("list tracking users for topic %d: %w", topicID, err)
	}
	defer rows.Close()

	var out []TrackedUser
	for rows.Next() {
		var u TrackedUser
		if err := rows.Scan(&u.UserID, &u.NotificationLevel); err != nil {
			return nil, fmt.Errorf("scan tracking user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM topic_users tu
		JOIN topics t ON t.id = tu.topic_id
		WHERE tu.user_id = $1
		  AND tu.notification_level >= $2
		  AND tu.last_read_post_number < t.highest_post_number
		  AND t.visible AND t.archetype = $3 AND t.deleted_at IS NULL`,
		userID, NotificationTracking, ArchetypeRegular).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count for user %d: %w", userID, err)
	}
	return count, nil
}

func (r *PostgresRepository) NewCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM topics t
		WHERE t.visible AND t.archetype = $2 AND t.deleted_at IS NULL
		  AND t.created_at > $3
		  AND NOT EXISTS (
			SELECT 1 FROM topic_users tu
			WHERE tu.topic_id = t.id AND tu.user_id = $1
		  )`,
		userID, ArchetypeRegular, time.Now().Add(-r.horizon)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("new count for user %d: %w", userID, err)
	}
	return count, nil
}

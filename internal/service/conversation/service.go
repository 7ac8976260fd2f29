package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voicerelay/internal/models"
)

// ErrNotFound is returned when an entry id does not exist in the log.
var ErrNotFound = errors.New("conversation: entry not found")

// Service is the durable conversation log. Entries are append-only and
// ordered by their database-assigned id; nothing ever rewrites text or
// direction after the fact. The only post-append mutations are attaching a
// synthesized asset to an agent entry and flipping the advisory delivered
// flag.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("conversation: db required")
	}
	return &Service{db: db}, nil
}

// Append persists a new entry and returns it with the assigned id. The id is
// visible to readers only once the insert has committed, so a reader never
// observes a gap that later fills in.
func (s *Service) Append(ctx context.Context, direction models.Direction, text string) (*models.Message, error) {
	if direction != models.DirectionUser && direction != models.DirectionAgent {
		return nil, fmt.Errorf("conversation: invalid direction %q", direction)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (direction, text, delivered, created_at) VALUES (?, ?, 0, ?)`,
		string(direction), text, now,
	)
	if err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read entry id: %w", err)
	}
	return &models.Message{
		ID:        id,
		Direction: direction,
		Text:      text,
		CreatedAt: now,
	}, nil
}

// AttachAsset records the synthesized audio reference for an existing entry.
// Attaching to an unknown id returns ErrNotFound; callers treat that as a
// logged no-op since the asset file itself is still on disk.
func (s *Service) AttachAsset(ctx context.Context, id int64, assetRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET asset_ref = ? WHERE id = ?`, assetRef, id)
	if err != nil {
		return fmt.Errorf("attach asset to entry %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach asset to entry %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReadSince returns up to limit entries with id greater than cursor, in
// ascending id order. The read is stateless; calling it again with the same
// cursor returns the same prefix.
func (s *Service) ReadSince(ctx context.Context, cursor int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, text, asset_ref, delivered, created_at
		 FROM messages WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("read since %d: %w", cursor, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadRecent returns the most recent limit entries in ascending id order.
func (s *Service) ReadRecent(ctx context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, text, asset_ref, delivered, created_at
		 FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Get fetches a single entry by id.
func (s *Service) Get(ctx context.Context, id int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, direction, text, asset_ref, delivered, created_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}
	return msg, nil
}

// MarkDelivered flips the advisory delivered flag. The flag never gates
// reads, so acking an already-acked or unknown id is a successful no-op.
func (s *Service) MarkDelivered(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark entry %d delivered: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*models.Message, error) {
	var (
		m         models.Message
		direction string
		assetRef  sql.NullString
	)
	if err := r.Scan(&m.ID, &direction, &m.Text, &assetRef, &m.Delivered, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Direction = models.Direction(direction)
	if assetRef.Valid {
		m.AssetRef = assetRef.String
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return msgs, nil
}

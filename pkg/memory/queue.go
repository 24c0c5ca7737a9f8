package memory

import (
	"context"
	"database/sql"
	"fmt"
)

// ReplaceActionItems swaps the entire action-queue snapshot for the given
// items in one transaction. The previous snapshot is discarded; there is no
// per-item merge.
func (s *Store) ReplaceActionItems(ctx context.Context, items []ActionQueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM action_queue_items`); err != nil {
		return fmt.Errorf("clear action queue: %w", err)
	}

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO action_queue_items (id, source, status, title, owner, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, item.ID, item.Source, item.Status, item.Title,
			nullString(item.Owner), nullString(item.Payload))
		if err != nil {
			return fmt.Errorf("insert action item %q: %w", item.ID, err)
		}
	}

	return tx.Commit()
}

// ActionItems returns the current snapshot in id order.
func (s *Store) ActionItems(ctx context.Context) ([]ActionQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, status, title, owner, payload
		FROM action_queue_items ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query action queue: %w", err)
	}
	defer rows.Close()

	var items []ActionQueueItem
	for rows.Next() {
		var item ActionQueueItem
		var owner, payload sql.NullString
		if err := rows.Scan(&item.ID, &item.Source, &item.Status, &item.Title, &owner, &payload); err != nil {
			return nil, fmt.Errorf("scan action item: %w", err)
		}
		item.Owner = owner.String
		item.Payload = payload.String
		items = append(items, item)
	}
	return items, rows.Err()
}

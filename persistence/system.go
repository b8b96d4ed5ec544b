// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (p *Persistence) SetSystemValue(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `INSERT OR REPLACE INTO system(key, value) VALUES(?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("could not save system value %s: %w", key, err)
	}
	return nil
}

// SystemValue returns false if the key was never set.
func (p *Persistence) SystemValue(ctx context.Context, key string) (string, bool, error) {
	value := sql.NullString{}
	err := p.db.GetContext(ctx, &value, `SELECT value FROM system WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("could not query system value %s: %w", key, err)
	}
	return value.String, true, nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/opsmailer/mailing-service/internal/domain"
)

// Insert writes a terminal-failure audit row. Job-scope rows carry the
// filename, entry-scope rows the address; the scope column tells them
// apart.
func (s *Store) Insert(ctx context.Context, dl domain.DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (mailing_id, scope, email, filename, reason, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, dl.MailingID, string(dl.Scope), dl.Email, dl.Filename, dl.Reason, dl.Attempts, dl.LastError)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

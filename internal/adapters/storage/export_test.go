package storage

import "context"

// ExecRaw ejecuta SQL directo para simular filas corruptas en tests.
func ExecRaw(ctx context.Context, s *SQLiteStorage, query string) error {
	_, err := s.db.ExecContext(ctx, query)
	return err
}

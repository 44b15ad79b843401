package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Handshake performs a full protocol connect and ping against the
// maintenance database on host:port. A bound port whose backend is still
// in recovery or rejecting connections does not count as ready.
func Handshake(ctx context.Context, host string, port int) error {
	dsn := fmt.Sprintf("host=%s port=%d dbname=postgres sslmode=disable connect_timeout=1",
		host, port)
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()
	return conn.Ping(ctx)
}

// handshake is the default readiness predicate.
func (m *Manager) handshake(ctx context.Context) error {
	return Handshake(ctx, m.cfg.Host, m.cfg.Port)
}

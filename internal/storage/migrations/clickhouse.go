package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	chstore "solana-fee-pipeline/internal/storage/clickhouse"
)

// RunClickhouseMigrations creates the mirror database if needed and applies
// embedded SQL files not yet listed in schema_migrations. The returned
// connection is bound to the mirror database.
func RunClickhouseMigrations(ctx context.Context, dsn string, log *slog.Logger) (*chstore.Conn, error) {
	if log == nil {
		log = slog.Default()
	}

	opts, err := chstore.Options(dsn)
	if err != nil {
		return nil, err
	}
	dbName := opts.Auth.Database
	if dbName == "" || dbName == "default" {
		return nil, errors.New("clickhouse dsn must name the mirror database")
	}

	// The database may not exist yet; bootstrap through the server default.
	opts.Auth.Database = ""
	admin, err := chstore.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse admin: %w", err)
	}
	err = admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+quoteIdent(dbName))
	admin.Close()
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	opts.Auth.Database = dbName
	conn, err := chstore.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse db: %w", err)
	}
	if err := applyClickhouse(ctx, conn, log); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func applyClickhouse(ctx context.Context, conn *chstore.Conn, log *slog.Logger) error {
	if err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    String,
			applied_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree
		ORDER BY version
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := sqlFiles(ClickhouseFS, "clickhouse")
	if err != nil {
		return err
	}

	for _, file := range files {
		var applied uint64
		if err := conn.QueryRow(ctx,
			`SELECT count() FROM schema_migrations WHERE version = ?`, file,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}

		data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		// The native protocol runs one statement per Exec.
		stmts := splitStatements(string(data))
		for i, stmt := range stmts {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s statement %d: %w", file, i+1, err)
			}
		}
		if err := conn.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, file); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		log.Info("applied clickhouse migration", "file", file, "statements", len(stmts))
	}
	return nil
}

// splitStatements splits a script on semicolons outside quoted strings and
// drops -- line comments.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case quote != 0:
			cur.WriteByte(ch)
			if ch == '\\' && i+1 < len(script) {
				i++
				cur.WriteByte(script[i])
			} else if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
			cur.WriteByte(ch)
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return stmts
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

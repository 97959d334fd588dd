package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-webhooks/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "modernc.org/sqlite"             // pure Go SQLite driver
)

var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client, opts ...Option) WebhookRepository {
	return NewSpannerRepository(client, opts...)
}

var NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, mongooptions.Client().ApplyURI(uri))
}

// NewRepository builds the backend selected by cfg.Type.
func NewRepository(ctx context.Context, cfg config.DbSettings, opts ...Option) (WebhookRepository, error) {
	switch cfg.Type {
	case "postgres":
		driver := cfg.Driver
		if driver == "" {
			driver = "postgres"
		}
		db, err := sqlOpen(driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLRepository(db, DialectPostgres, opts...), nil
	case "sqlite":
		db, err := sqlOpen("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, err
		}
		// sqlite serialises writers; one connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		return NewSQLRepository(db, DialectSQLite, opts...), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client, opts...), nil
	case "mongo":
		client, err := NewMongoClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewMongoRepository(client, cfg.DBName, opts...), nil
	case "memory":
		return NewMemoryRepository(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// MigrateRepository prepares the backend's schema where the backend supports it.
func MigrateRepository(ctx context.Context, repo WebhookRepository) error {
	switch r := repo.(type) {
	case *SQLRepository:
		return Migrate(ctx, r.DB(), r.Dialect())
	case *MongoRepository:
		return r.EnsureIndexes(ctx)
	case *MemoryRepository:
		return nil
	default:
		return fmt.Errorf("migrations are not supported for %T", repo)
	}
}

// sqliteDSN stores timestamps in a sortable text form unless the caller chose a format.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

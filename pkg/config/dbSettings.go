package config

// DbSettings selects and configures the repository backend.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"oneof=postgres sqlite spanner mongo memory"`
	// Driver picks the database/sql driver for postgres: "postgres" (lib/pq) or "pgx".
	Driver    string `mapstructure:"driver" validate:"omitempty,oneof=postgres pgx"`
	DSN       string `mapstructure:"dsn" validate:"required_if=Type postgres,required_if=Type sqlite"`
	URI       string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	DBName    string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	ProjectID string `mapstructure:"project_id"`
}

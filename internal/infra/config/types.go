package config

import "strings"

// Environment identifies the deployment where the agent runs.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StoreDriver selects the durable store engine.
type StoreDriver string

const (
	// DriverSQLite keeps the queue in a local database file.
	DriverSQLite StoreDriver = "sqlite"
	// DriverPostgres keeps the queue on a shared PostgreSQL instance.
	DriverPostgres StoreDriver = "postgres"
)

func normaliseList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the SQL migrations shipped with the binary.
func Migrations() fs.FS {
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return sub
}

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Pattern to match migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// ReadMigrations reads the migration files of dir, sorted by version, with
// {{PROJECT_ID}} and {{DATASET_ID}} replaced.
func ReadMigrations(dir fs.FS, ds Dataset, log zerolog.Logger) ([]Migration, error) {
	files, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("ReadMigrations: reading directory: %w", err)
	}

	var migrations []Migration
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(file.Name())
		if matches == nil {
			log.Warn().Str("file", file.Name()).Msg("skipping file with invalid format")
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			log.Warn().Str("file", file.Name()).Msg("skipping file with invalid version")
			continue
		}

		content, err := fs.ReadFile(dir, file.Name())
		if err != nil {
			return nil, fmt.Errorf("ReadMigrations: reading file %s: %w", file.Name(), err)
		}

		sql := string(content)
		sql = strings.ReplaceAll(sql, "{{PROJECT_ID}}", ds.Project)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", ds.Name)

		// Checksum of the file before replacement, so the same migration
		// matches across projects.
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: file.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// PendingMigrations returns the migrations not yet applied, in order.
func PendingMigrations(all []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, am := range applied {
		done[am.Version] = true
	}
	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

// ApplyMigrationsWithClient applies every pending migration and records it in
// schema_migrations. It returns the number applied.
func ApplyMigrationsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, migrations []Migration, appliedBy string, log zerolog.Logger) (int, error) {
	if err := ensureSchemaMigrationsTable(ctx, client, ds); err != nil {
		return 0, fmt.Errorf("ApplyMigrationsWithClient: %w", err)
	}
	applied, err := AppliedMigrationsWithClient(ctx, client, ds)
	if err != nil {
		return 0, fmt.Errorf("ApplyMigrationsWithClient: %w", err)
	}

	count := 0
	for _, m := range PendingMigrations(migrations, applied) {
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")
		if err := runDDL(ctx, client, m.SQL, nil); err != nil {
			return count, fmt.Errorf("ApplyMigrationsWithClient: %04d_%s: %w", m.Version, m.Name, err)
		}
		if err := recordMigration(ctx, client, ds, m, appliedBy); err != nil {
			return count, fmt.Errorf("ApplyMigrationsWithClient: recording %04d_%s: %w", m.Version, m.Name, err)
		}
		count++
	}
	return count, nil
}

func ensureSchemaMigrationsTable(ctx context.Context, client *bigquery.Client, ds Dataset) error {
	return runDDL(ctx, client, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, ds.table("schema_migrations")), nil)
}

// AppliedMigrationsWithClient lists the recorded migrations, or none when
// schema_migrations does not exist yet.
func AppliedMigrationsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) ([]AppliedMigration, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, ds.table("schema_migrations")))
	it, err := q.Read(ctx)
	if err != nil {
		if isNotFound(err) || strings.Contains(err.Error(), "Not found") {
			return []AppliedMigration{}, nil
		}
		return nil, fmt.Errorf("AppliedMigrationsWithClient: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("AppliedMigrationsWithClient: iterating results: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func recordMigration(ctx context.Context, client *bigquery.Client, ds Dataset, m Migration, appliedBy string) error {
	return runDDL(ctx, client, fmt.Sprintf(`
		INSERT INTO %s
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, ds.table("schema_migrations")), []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	})
}

func runDDL(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) error {
	q := client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

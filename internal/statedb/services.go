package statedb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kiwiadmin/kiwi/internal/kiwierr"
)

const serviceColumns = `name, image_name, image_sha, internal_port, external_port,
	environment_variables, secrets, stateful_volume_paths, github_repository,
	required_role, postgres_username, postgres_password, redis_username, redis_password,
	created_at, last_modified_at, last_deployed_at`

func scanService(row pgx.Row) (Service, error) {
	var s Service
	var envRaw, secretsRaw, volumesRaw []byte
	err := row.Scan(
		&s.Name, &s.ImageName, &s.ImageSHA, &s.InternalPort, &s.ExternalPort,
		&envRaw, &secretsRaw, &volumesRaw, &s.GithubRepository,
		&s.RequiredRole, &s.PostgresUsername, &s.PostgresPassword, &s.RedisUsername, &s.RedisPassword,
		&s.CreatedAt, &s.LastModifiedAt, &s.LastDeployedAt,
	)
	if err != nil {
		return Service{}, err
	}
	if err := json.Unmarshal(envRaw, &s.EnvironmentVariables); err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "decoding environment_variables", err)
	}
	if err := json.Unmarshal(secretsRaw, &s.Secrets); err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "decoding secrets", err)
	}
	if err := json.Unmarshal(volumesRaw, &s.StatefulVolumePaths); err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "decoding stateful_volume_paths", err)
	}
	return s, nil
}

// GetService returns a service by name.
func (db *DB) GetService(ctx context.Context, name string) (Service, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE name = $1`, name)
	s, err := scanService(row)
	if err == pgx.ErrNoRows {
		return Service{}, kiwierr.New(kiwierr.NotFound, "service not found")
	}
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "fetching service", err)
	}
	return s, nil
}

// GetServicePort returns the external port a service listens on.
func (db *DB) GetServicePort(ctx context.Context, name string) (int, error) {
	var port int
	err := db.Pool.QueryRow(ctx, `SELECT external_port FROM services WHERE name = $1`, name).Scan(&port)
	if err == pgx.ErrNoRows {
		return 0, kiwierr.New(kiwierr.NotFound, "service not found")
	}
	if err != nil {
		return 0, kiwierr.Wrap(kiwierr.Internal, "fetching service port", err)
	}
	return port, nil
}

// GetServiceRequiredRole returns the role required to reach a service.
func (db *DB) GetServiceRequiredRole(ctx context.Context, name string) (Role, error) {
	var role Role
	err := db.Pool.QueryRow(ctx, `SELECT required_role FROM services WHERE name = $1`, name).Scan(&role)
	if err == pgx.ErrNoRows {
		return "", kiwierr.New(kiwierr.NotFound, "service not found")
	}
	if err != nil {
		return "", kiwierr.Wrap(kiwierr.Internal, "fetching service role", err)
	}
	return role, nil
}

// ListServices returns every service, ordered by name.
func (db *DB) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name`)
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "listing services", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, kiwierr.Wrap(kiwierr.Internal, "scanning service row", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "iterating services", err)
	}
	return out, nil
}

// CreateServiceParams are the caller-supplied fields of a new service.
type CreateServiceParams struct {
	Name                 string
	ImageName            string
	ImageSHA             string
	InternalPort         int
	ExternalPort         int
	EnvironmentVariables []EnvVar
	Secrets              []EnvVar
	StatefulVolumePaths  []string
	GithubRepository     *string
	RequiredRole         Role
}

// CreateService inserts the service row, then creates its ancillary
// Postgres role and database. Postgres cannot run CREATE DATABASE inside a
// transaction block, so the row insert commits first and the DDL runs
// after; any DDL failure compensates by deleting the row (and the role, if
// it was created before the database creation failed).
func (db *DB) CreateService(ctx context.Context, p CreateServiceParams) (Service, error) {
	pgUser, err := newPGIdentifier()
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "generating postgres identifier", err)
	}
	pgPass, err := newPGIdentifier()
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "generating postgres password", err)
	}
	redisUser, err := newPGIdentifier()
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "generating redis identifier", err)
	}
	redisPass, err := newPGIdentifier()
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "generating redis password", err)
	}

	envRaw, err := json.Marshal(nonNilEnv(p.EnvironmentVariables))
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "encoding environment_variables", err)
	}
	secretsRaw, err := json.Marshal(nonNilEnv(p.Secrets))
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "encoding secrets", err)
	}
	volumesRaw, err := json.Marshal(nonNilStrings(p.StatefulVolumePaths))
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "encoding stateful_volume_paths", err)
	}

	row := db.Pool.QueryRow(ctx, `INSERT INTO services (
		name, image_name, image_sha, internal_port, external_port,
		environment_variables, secrets, stateful_volume_paths, github_repository,
		required_role, postgres_username, postgres_password, redis_username, redis_password
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	RETURNING `+serviceColumns,
		p.Name, p.ImageName, p.ImageSHA, p.InternalPort, p.ExternalPort,
		envRaw, secretsRaw, volumesRaw, p.GithubRepository,
		p.RequiredRole, pgUser, pgPass, redisUser, redisPass,
	)
	svc, err := scanService(row)
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.InvalidInput, "inserting service row", err)
	}

	if _, err := db.Pool.Exec(ctx, fmt.Sprintf(
		`CREATE ROLE %s LOGIN ENCRYPTED PASSWORD '%s'`, pgUser, pgPass,
	)); err != nil {
		db.compensateDeleteServiceRow(ctx, p.Name)
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "creating service postgres role", err)
	}

	if _, err := db.Pool.Exec(ctx, fmt.Sprintf(
		`CREATE DATABASE %s OWNER %s`, pgUser, pgUser,
	)); err != nil {
		db.Pool.Exec(ctx, fmt.Sprintf(`DROP ROLE IF EXISTS %s`, pgUser))
		db.compensateDeleteServiceRow(ctx, p.Name)
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "creating service database", err)
	}

	return svc, nil
}

func (db *DB) compensateDeleteServiceRow(ctx context.Context, name string) {
	db.Pool.Exec(ctx, `DELETE FROM services WHERE name = $1`, name)
}

// DeleteService drops the ancillary database and role, then deletes the row.
func (db *DB) DeleteService(ctx context.Context, name string) error {
	svc, err := db.GetService(ctx, name)
	if err != nil {
		return err
	}

	if _, err := db.Pool.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s WITH (FORCE)`, svc.PostgresUsername)); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "dropping service database", err)
	}
	if _, err := db.Pool.Exec(ctx, fmt.Sprintf(`DROP ROLE IF EXISTS %s`, svc.PostgresUsername)); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "dropping service role", err)
	}

	tag, err := db.Pool.Exec(ctx, `DELETE FROM services WHERE name = $1`, name)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting service row", err)
	}
	if tag.RowsAffected() == 0 {
		return kiwierr.New(kiwierr.NotFound, "service not found")
	}
	return nil
}

// UpdateServiceParams are the editable fields of an existing service.
// Name and ExternalPort are immutable and not included.
type UpdateServiceParams struct {
	Name                 string
	ImageName            string
	ImageSHA             string
	EnvironmentVariables []EnvVar
	Secrets              []EnvVar
	StatefulVolumePaths  []string
	GithubRepository     *string
	RequiredRole         Role
}

// UpdateService updates the editable fields and bumps last_modified_at and
// last_deployed_at to now.
func (db *DB) UpdateService(ctx context.Context, p UpdateServiceParams) (Service, error) {
	envRaw, err := json.Marshal(nonNilEnv(p.EnvironmentVariables))
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "encoding environment_variables", err)
	}
	secretsRaw, err := json.Marshal(nonNilEnv(p.Secrets))
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "encoding secrets", err)
	}
	volumesRaw, err := json.Marshal(nonNilStrings(p.StatefulVolumePaths))
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Serialisation, "encoding stateful_volume_paths", err)
	}

	now := time.Now().UTC()
	row := db.Pool.QueryRow(ctx, `UPDATE services SET
		image_name = $2, image_sha = $3, environment_variables = $4, secrets = $5,
		stateful_volume_paths = $6, github_repository = $7, required_role = $8,
		last_modified_at = $9, last_deployed_at = $9
	WHERE name = $1
	RETURNING `+serviceColumns,
		p.Name, p.ImageName, p.ImageSHA, envRaw, secretsRaw, volumesRaw, p.GithubRepository, p.RequiredRole, now,
	)
	svc, err := scanService(row)
	if err == pgx.ErrNoRows {
		return Service{}, kiwierr.New(kiwierr.NotFound, "service not found")
	}
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "updating service", err)
	}
	return svc, nil
}

// UpdateServiceImageSHA updates only a service's image_sha and bumps
// last_deployed_at to now, used by the CI deploy flow which deploys a new
// digest of the same image without touching any other field.
func (db *DB) UpdateServiceImageSHA(ctx context.Context, name, imageSHA string) (Service, error) {
	now := time.Now().UTC()
	row := db.Pool.QueryRow(ctx, `UPDATE services SET image_sha = $2, last_deployed_at = $3
		WHERE name = $1
		RETURNING `+serviceColumns,
		name, imageSHA, now,
	)
	svc, err := scanService(row)
	if err == pgx.ErrNoRows {
		return Service{}, kiwierr.New(kiwierr.NotFound, "service not found")
	}
	if err != nil {
		return Service{}, kiwierr.Wrap(kiwierr.Internal, "updating service image sha", err)
	}
	return svc, nil
}

func nonNilEnv(v []EnvVar) []EnvVar {
	if v == nil {
		return []EnvVar{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

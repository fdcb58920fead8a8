package statedb

import "time"

// Role is a user/service access level. Admin covers Customer, and both
// cover Public.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RoleCustomer Role = "Customer"
	RolePublic   Role = "Public"
)

// Covers reports whether this role satisfies a requirement of need.
func (r Role) Covers(need Role) bool {
	if need == RolePublic {
		return true
	}
	if r == RoleAdmin {
		return true
	}
	return r == need
}

// EnvVar is an ordered name/value pair, used for both environment_variables
// and secrets (secrets are never returned from list/get).
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Service is a deployed user container and its ancillary Postgres/Redis
// identities.
type Service struct {
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
	PostgresUsername     string
	PostgresPassword     string
	RedisUsername        string
	RedisPassword        string
	CreatedAt            time.Time
	LastModifiedAt       time.Time
	LastDeployedAt       time.Time
}

// User is an authenticated operator/customer account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// UserInvitation is a one-time redeemable token used by create_user.
type UserInvitation struct {
	ID        string
	Role      Role
	CreatedAt time.Time
}

package statedb

import (
	"crypto/rand"
	"fmt"
)

// newPGIdentifier generates a server-side Postgres role/database name of the
// form kiwi_svc_<20 lowercase hex chars>. It is never derived from
// user-supplied input, so it needs no further escaping before being
// interpolated into CREATE ROLE / CREATE DATABASE DDL, which cannot be
// parameterized with placeholders.
func newPGIdentifier() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating postgres identifier: %w", err)
	}
	return fmt.Sprintf("kiwi_svc_%x", buf), nil
}

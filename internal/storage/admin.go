package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// grantablePrivileges is the allow-list of privilege verbs the admin
// surface will forward into GRANT statements. Anything else is rejected.
var grantablePrivileges = map[string]bool{
	"SELECT":   true,
	"INSERT":   true,
	"ALTER":    true,
	"CREATE":   true,
	"DROP":     true,
	"OPTIMIZE": true,
	"SHOW":     true,
}

// passwordCharset restricts credentials to characters that cannot break out
// of a quoted literal. DDL offers no parameter binding, so the password is
// validated against this set before it is ever interpolated.
const passwordCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=_.-"

const minPasswordLength = 12

// AdminDDL manages restricted database accounts. Every identifier passes
// the allow-list and every privilege the grant list; nothing caller-supplied
// reaches a statement unvalidated.
type AdminDDL struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewAdminDDL creates an AdminDDL facade over the given client.
func NewAdminDDL(client *ClickHouseClient, logger *slog.Logger) *AdminDDL {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminDDL{client: client, logger: logger}
}

// CreateRestrictedUser creates a database account with no privileges.
// Passwords must be machine-generated: at least 12 characters from the
// safe charset (base64 output qualifies).
func (a *AdminDDL) CreateRestrictedUser(ctx context.Context, username, password string) error {
	user, err := SanitizeIdentifier(username)
	if err != nil {
		return err
	}
	if err := validatePassword(password); err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		"CREATE USER IF NOT EXISTS %s IDENTIFIED WITH sha256_password BY '%s'",
		user, password,
	)
	if err := a.client.Exec(ctx, stmt); err != nil {
		return NewStorageError("CreateUser", "", err)
	}

	a.logger.Info("created restricted user", slog.String("username", user))
	return nil
}

// GrantTableAccess grants the listed privileges on database.table to a
// user. Privileges outside the allow-list fail the whole call.
func (a *AdminDDL) GrantTableAccess(ctx context.Context, username, database, table string, privileges []string) error {
	user, err := SanitizeIdentifier(username)
	if err != nil {
		return err
	}
	target, err := QualifyTable(database, table)
	if err != nil {
		return err
	}
	verbs, err := normalizePrivileges(privileges)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf("GRANT %s ON %s TO %s", strings.Join(verbs, ", "), target, user)
	if err := a.client.Exec(ctx, stmt); err != nil {
		return NewStorageError("Grant", target, err)
	}

	a.logger.Info("granted table access",
		slog.String("username", user),
		slog.String("target", target),
		slog.String("privileges", strings.Join(verbs, ",")))
	return nil
}

// RevokeAccess revokes all privileges on database.table from a user.
func (a *AdminDDL) RevokeAccess(ctx context.Context, username, database, table string) error {
	user, err := SanitizeIdentifier(username)
	if err != nil {
		return err
	}
	target, err := QualifyTable(database, table)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf("REVOKE ALL ON %s FROM %s", target, user)
	if err := a.client.Exec(ctx, stmt); err != nil {
		return NewStorageError("Revoke", target, err)
	}

	a.logger.Info("revoked table access",
		slog.String("username", user),
		slog.String("target", target))
	return nil
}

// DropUser removes a database account.
func (a *AdminDDL) DropUser(ctx context.Context, username string) error {
	user, err := SanitizeIdentifier(username)
	if err != nil {
		return err
	}

	if err := a.client.Exec(ctx, fmt.Sprintf("DROP USER IF EXISTS %s", user)); err != nil {
		return NewStorageError("DropUser", "", err)
	}

	a.logger.Info("dropped user", slog.String("username", user))
	return nil
}

func normalizePrivileges(privileges []string) ([]string, error) {
	if len(privileges) == 0 {
		return nil, fmt.Errorf("%w: no privileges given", ErrInvalidData)
	}
	verbs := make([]string, 0, len(privileges))
	seen := make(map[string]bool, len(privileges))
	for _, p := range privileges {
		verb := strings.ToUpper(strings.TrimSpace(p))
		if !grantablePrivileges[verb] {
			return nil, fmt.Errorf("%w: privilege %q is not grantable", ErrInvalidData, p)
		}
		if !seen[verb] {
			seen[verb] = true
			verbs = append(verbs, verb)
		}
	}
	return verbs, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password shorter than %d characters", ErrInvalidData, minPasswordLength)
	}
	for _, r := range password {
		if !strings.ContainsRune(passwordCharset, r) {
			return fmt.Errorf("%w: password contains characters outside the safe charset", ErrInvalidData)
		}
	}
	return nil
}

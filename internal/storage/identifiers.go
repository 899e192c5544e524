package storage

import (
	"fmt"
	"strings"
)

// maxIdentifierLength matches the common RDBMS identifier limit.
const maxIdentifierLength = 64

// reservedIdentifiers are rejected outright so administrative DDL can never
// be steered at system schemas by a caller-supplied name.
var reservedIdentifiers = map[string]bool{
	"system":             true,
	"information_schema": true,
}

// ValidIdentifier reports whether a name is safe to interpolate into DDL.
// Identifiers must start with a letter or underscore, contain only
// [A-Za-z0-9_], and stay within the length limit. Names are validated, not
// repaired: a rejected identifier is an error at the call site, never a
// silently rewritten one.
func ValidIdentifier(name string) bool {
	if name == "" || len(name) > maxIdentifierLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b == '_':
		case b >= '0' && b <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return !reservedIdentifiers[strings.ToLower(name)]
}

// SanitizeIdentifier validates a name for use in DDL and returns it
// unchanged, or ErrInvalidIdentifier.
func SanitizeIdentifier(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return name, nil
}

// QualifyTable validates a database and table name and returns the
// qualified "database.table" form for DDL.
func QualifyTable(database, table string) (string, error) {
	db, err := SanitizeIdentifier(database)
	if err != nil {
		return "", err
	}
	tbl, err := SanitizeIdentifier(table)
	if err != nil {
		return "", err
	}
	return db + "." + tbl, nil
}

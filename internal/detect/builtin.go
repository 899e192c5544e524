package detect

// BuiltinSignatures returns the default signature set covering the four
// threat categories. Deployments extend or replace these through the
// signature store; the builtin set is seeded only when the store is empty.
func BuiltinSignatures() []Signature {
	return []Signature{
		unionSelectSignature(),
		commentMarkerSignature(),
		booleanTautologySignature(),
		quotedTautologySignature(),
		stackedQuerySignature(),
		grantRevokeSignature(),
		userDDLSignature(),
		schemaProbeSignature(),
		fileExportSignature(),
		credentialTableSignature(),
		timingProbeSignature(),
		commandShellSignature(),
		versionProbeSignature(),
		hexPayloadSignature(),
	}
}

func unionSelectSignature() Signature {
	return Signature{
		ID:                "builtin-sqli-union-select",
		Category:          CategorySQLInjection,
		Pattern:           `union\s+(all\s+)?select`,
		IsRegex:           true,
		Severity:          SeverityHigh,
		Active:            true,
		FalsePositiveRate: 0.05,
		Description:       "UNION-based SQL injection",
	}
}

func commentMarkerSignature() Signature {
	return Signature{
		ID:                "builtin-sqli-comment-marker",
		Category:          CategorySQLInjection,
		Pattern:           `(--|#|/\*)`,
		IsRegex:           true,
		Severity:          SeverityMedium,
		Active:            true,
		FalsePositiveRate: 0.15,
		Description:       "SQL comment marker used to truncate a query",
	}
}

func booleanTautologySignature() Signature {
	return Signature{
		ID:                "builtin-sqli-boolean-tautology",
		Category:          CategorySQLInjection,
		Pattern:           `\bor\s+\d+\s*=\s*\d+`,
		IsRegex:           true,
		Severity:          SeverityHigh,
		Active:            true,
		FalsePositiveRate: 0.1,
		Description:       "Boolean tautology bypassing a WHERE clause",
	}
}

func quotedTautologySignature() Signature {
	return Signature{
		ID:                "builtin-sqli-quoted-tautology",
		Category:          CategorySQLInjection,
		Pattern:           `'\s*(or|and)\s*'`,
		IsRegex:           true,
		Severity:          SeverityHigh,
		Active:            true,
		FalsePositiveRate: 0.05,
		Description:       "Quoted string tautology injection",
	}
}

func stackedQuerySignature() Signature {
	return Signature{
		ID:                "builtin-sqli-stacked-query",
		Category:          CategorySQLInjection,
		Pattern:           `;\s*(drop|delete|truncate|update|insert)\b`,
		IsRegex:           true,
		Severity:          SeverityHigh,
		Active:            true,
		FalsePositiveRate: 0.1,
		Description:       "Stacked destructive statement after a terminator",
	}
}

func grantRevokeSignature() Signature {
	return Signature{
		ID:                "builtin-privesc-grant-revoke",
		Category:          CategoryPrivilegeEscalation,
		Pattern:           `\b(grant|revoke)\s+(all|select|insert|update|delete|create|drop|alter)\b`,
		IsRegex:           true,
		Severity:          SeverityCritical,
		Active:            true,
		FalsePositiveRate: 0.02,
		Description:       "Privilege grant or revocation attempt",
	}
}

func userDDLSignature() Signature {
	return Signature{
		ID:                "builtin-privesc-user-ddl",
		Category:          CategoryPrivilegeEscalation,
		Pattern:           `\b(create|alter|drop)\s+user\b`,
		IsRegex:           true,
		Severity:          SeverityCritical,
		Active:            true,
		FalsePositiveRate: 0.01,
		Description:       "User account manipulation through application credentials",
	}
}

func schemaProbeSignature() Signature {
	return Signature{
		ID:                "builtin-exfil-schema-probe",
		Category:          CategoryDataExfiltration,
		Pattern:           `\binformation_schema\b`,
		IsRegex:           true,
		Severity:          SeverityMedium,
		Active:            true,
		FalsePositiveRate: 0.2,
		Description:       "Schema enumeration through information_schema",
	}
}

func fileExportSignature() Signature {
	return Signature{
		ID:                "builtin-exfil-file-export",
		Category:          CategoryDataExfiltration,
		Pattern:           `\bload_file\s*\(|\binto\s+(outfile|dumpfile)\b`,
		IsRegex:           true,
		Severity:          SeverityCritical,
		Active:            true,
		FalsePositiveRate: 0.01,
		Description:       "Reading or writing server files from SQL",
	}
}

func credentialTableSignature() Signature {
	return Signature{
		ID:                "builtin-exfil-credential-table",
		Category:          CategoryDataExfiltration,
		Pattern:           `\b(mysql\.user|pg_shadow|pg_authid|system\.(users|grants))\b`,
		IsRegex:           true,
		Severity:          SeverityHigh,
		Active:            true,
		FalsePositiveRate: 0.05,
		Description:       "Direct access to credential catalog tables",
	}
}

func timingProbeSignature() Signature {
	return Signature{
		ID:                "builtin-access-timing-probe",
		Category:          CategorySuspiciousAccess,
		Pattern:           `\bsleep\s*\(|\bbenchmark\s*\(|\bpg_sleep\s*\(|\bwaitfor\s+delay\b`,
		IsRegex:           true,
		Severity:          SeverityHigh,
		Active:            true,
		FalsePositiveRate: 0.05,
		Description:       "Time-based blind injection probe",
	}
}

func commandShellSignature() Signature {
	return Signature{
		ID:                "builtin-access-command-shell",
		Category:          CategorySuspiciousAccess,
		Pattern:           "xp_cmdshell",
		IsRegex:           false,
		Severity:          SeverityCritical,
		Active:            true,
		FalsePositiveRate: 0.01,
		Description:       "Operating system command execution through the database",
	}
}

func versionProbeSignature() Signature {
	return Signature{
		ID:                "builtin-access-version-probe",
		Category:          CategorySuspiciousAccess,
		Pattern:           `@@version\b|\bversion\s*\(\s*\)`,
		IsRegex:           true,
		Severity:          SeverityLow,
		Active:            true,
		FalsePositiveRate: 0.3,
		Description:       "Database version fingerprinting",
	}
}

func hexPayloadSignature() Signature {
	return Signature{
		ID:                "builtin-exfil-hex-payload",
		Category:          CategoryDataExfiltration,
		Pattern:           `0x[0-9a-f]{16,}`,
		IsRegex:           true,
		Severity:          SeverityMedium,
		Active:            true,
		FalsePositiveRate: 0.25,
		Description:       "Long hex literal smuggling encoded data",
	}
}

// Package errors provides structured, coded errors for the persistence engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeNotFound               Code = "NOT_FOUND"
	CodePersistenceUnavailable Code = "PERSISTENCE_UNAVAILABLE"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"

	// Event log errors
	CodeDuplicateTransition Code = "DUPLICATE_TRANSITION"
	CodeSequenceGap         Code = "SEQUENCE_GAP"
	CodeIntegrityViolation  Code = "INTEGRITY_VIOLATION"

	// Recovery errors
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeRecoveryExhausted Code = "RECOVERY_EXHAUSTED"
	CodeRecoveryTimeout   Code = "RECOVERY_TIMEOUT"

	// Migration errors
	CodeMigrationConflict Code = "MIGRATION_CONFLICT"
	CodeMigrationFailed   Code = "MIGRATION_FAILED"

	// Archival errors
	CodeArchivalFailed  Code = "ARCHIVAL_FAILED"
	CodeArchiveConflict Code = "ARCHIVE_CONFLICT"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument,
		CodeValidationFailed:
		return codes.InvalidArgument

	case CodeDuplicateTransition,
		CodeArchiveConflict:
		return codes.AlreadyExists

	case CodeSequenceGap,
		CodeMigrationConflict,
		CodeMigrationFailed,
		CodeRecoveryExhausted:
		return codes.FailedPrecondition

	case CodeNotFound:
		return codes.NotFound

	case CodePersistenceUnavailable,
		CodeArchivalFailed:
		return codes.Unavailable

	case CodeRecoveryTimeout:
		return codes.DeadlineExceeded

	case CodeIntegrityViolation:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}

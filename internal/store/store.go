// Package store abstracts the document database behind domain-level
// primitives: point reads, keyed IN lookups, atomic write batches and
// cursor-paginated scans. The firestore implementation is the production
// backend; the memory implementation backs tests and local runs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

var (
	// ErrNotFound is returned for reads of absent documents.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a create hits an existing document.
	ErrAlreadyExists = errors.New("already exists")
)

// Store limits shared by all backends. These mirror the document database's
// own caps and are enforced, not assumed.
const (
	MaxBatchWrites = 500
	MaxInValues    = 10
)

// Field names as stored on documents. Callers building partial updates use
// these instead of string literals.
const (
	FieldEmail              = "email"
	FieldStatus             = "statusInOrg"
	FieldPresent            = "presentInLatest"
	FieldLastSeenEpoch      = "lastSeenEpoch"
	FieldUpdatedAt          = "updatedAt"
	FieldSource             = "source"
	FieldLastEventID        = "lastEventId"
	FieldName               = "name"
	FieldCurrentEpoch       = "currentEpoch"
	FieldLastFinalizedEpoch = "lastFinalizedEpoch"
)

// Cursor is an opaque resume point for paginated scans. It orders by
// (lastSeenEpoch, document id) so pages with equal epochs do not loop.
type Cursor struct {
	LastSeenEpoch int64
	DocID         string
}

// Store is the document-database surface the reconciliation core runs on.
// Timestamps are produced by the store on every write; callers never supply
// updatedAt.
type Store interface {
	// GetOrganization returns ErrNotFound for unknown orgs.
	GetOrganization(ctx context.Context, orgID string) (*models.Organization, error)
	// MergeOrganization writes only the supplied fields, creating the
	// document if needed.
	MergeOrganization(ctx context.Context, orgID string, fields map[string]any) error

	// QueryEmployeesByEmail resolves up to MaxInValues emails in one keyed
	// IN query. Unmatched emails are simply absent from the result.
	QueryEmployeesByEmail(ctx context.Context, orgID string, emails []string) ([]models.EmployeeDoc, error)
	// GetEmployeeByEmail returns ErrNotFound when no document matches.
	GetEmployeeByEmail(ctx context.Context, orgID, email string) (*models.EmployeeDoc, error)
	GetEmployee(ctx context.Context, orgID, docID string) (*models.EmployeeDoc, error)

	// NewEmployeeID allocates a client-assigned opaque document id.
	NewEmployeeID() string
	// CommitEmployees applies up to MaxBatchWrites prepared upserts in one
	// atomic batch.
	CommitEmployees(ctx context.Context, orgID string, writes []models.EmployeeWrite) error
	// UpdateEmployee applies a partial update to one document; ErrNotFound
	// if it does not exist.
	UpdateEmployee(ctx context.Context, orgID, docID string, fields map[string]any) error

	// ScanPresentBefore pages through employees with presentInLatest=true
	// and lastSeenEpoch < epoch, ordered by (lastSeenEpoch, id). A nil next
	// cursor means the scan is complete.
	ScanPresentBefore(ctx context.Context, orgID string, epoch int64, pageSize int, cursor *Cursor) ([]models.EmployeeDoc, *Cursor, error)
	// MarkEmployeesAbsent clears presentInLatest on the given documents.
	// Pages larger than MaxBatchWrites are applied in store-sized chunks.
	MarkEmployeesAbsent(ctx context.Context, orgID string, docIDs []string) error

	// CountPresent returns the number of employees with presentInLatest=true.
	CountPresent(ctx context.Context, orgID string) (int64, error)

	// HasEventDigest reports whether the batch digest was already applied
	// for the event; RecordEventDigest remembers it after processing.
	HasEventDigest(ctx context.Context, orgID, eventID, digest string) (bool, error)
	RecordEventDigest(ctx context.Context, orgID, eventID, digest string) error

	Close() error
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable tags an error as worth retrying with backoff.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether the error was tagged by MarkRetryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// ValidateBatch rejects write slices a single atomic batch cannot hold.
func ValidateBatch(writes []models.EmployeeWrite) error {
	if len(writes) > MaxBatchWrites {
		return fmt.Errorf("batch of %d exceeds store limit of %d writes", len(writes), MaxBatchWrites)
	}
	return nil
}

var errMissingDocID = errors.New("employee write missing doc id")

func errTooManyInValues(n int) error {
	return fmt.Errorf("in query holds at most %d emails, got %d", MaxInValues, n)
}

func errBadPageSize(n int) error {
	return fmt.Errorf("page size must be positive: %d", n)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

const (
	collEmployees = "employees"
	collEvents    = "events"
)

// FirestoreConfig selects the project, database and root collection.
// Endpoint, when set, points the client at an emulator or test server over
// unauthenticated gRPC.
type FirestoreConfig struct {
	ProjectID  string
	DatabaseID string
	Endpoint   string
	Collection string
}

// Firestore implements Store on Cloud Firestore. Organizations live in the
// configured root collection; employees and the event registry are
// subcollections of each organization document.
type Firestore struct {
	client *firestore.Client
	orgs   string
	log    *slog.Logger
}

// NewFirestore connects and returns the production store.
func NewFirestore(ctx context.Context, cfg FirestoreConfig, log *slog.Logger) (*Firestore, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	db := cfg.DatabaseID
	if db == "" {
		db = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, db, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	coll := cfg.Collection
	if coll == "" {
		coll = "organizations"
	}
	log.Info("store_connected", slog.String("project", cfg.ProjectID), slog.String("database", db), slog.String("collection", coll))
	return &Firestore{client: client, orgs: coll, log: log}, nil
}

func (f *Firestore) orgDoc(orgID string) *firestore.DocumentRef {
	return f.client.Collection(f.orgs).Doc(orgID)
}

func (f *Firestore) employees(orgID string) *firestore.CollectionRef {
	return f.orgDoc(orgID).Collection(collEmployees)
}

func (f *Firestore) events(orgID string) *firestore.CollectionRef {
	return f.orgDoc(orgID).Collection(collEvents)
}

func (f *Firestore) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	start := time.Now()
	snap, err := f.orgDoc(orgID).Get(ctx)
	observe("get_org", start, err)
	if err != nil {
		return nil, convertErr(err)
	}
	var org models.Organization
	if err := snap.DataTo(&org); err != nil {
		return nil, fmt.Errorf("decode organization %s: %w", orgID, err)
	}
	return &org, nil
}

func (f *Firestore) MergeOrganization(ctx context.Context, orgID string, fields map[string]any) error {
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data[FieldUpdatedAt] = firestore.ServerTimestamp

	start := time.Now()
	_, err := f.orgDoc(orgID).Set(ctx, data, firestore.MergeAll)
	observe("merge_org", start, err)
	return convertErr(err)
}

func (f *Firestore) QueryEmployeesByEmail(ctx context.Context, orgID string, emails []string) ([]models.EmployeeDoc, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	if len(emails) > MaxInValues {
		return nil, errTooManyInValues(len(emails))
	}

	start := time.Now()
	iter := f.employees(orgID).Where(FieldEmail, "in", emails).Documents(ctx)
	defer iter.Stop()

	var out []models.EmployeeDoc
	var err error
	for {
		snap, ierr := iter.Next()
		if ierr == iterator.Done {
			break
		}
		if ierr != nil {
			err = ierr
			break
		}
		doc, derr := decodeEmployee(snap)
		if derr != nil {
			err = derr
			break
		}
		out = append(out, doc)
	}
	observe("query_by_email", start, err)
	if err != nil {
		return nil, convertErr(err)
	}
	return out, nil
}

func (f *Firestore) GetEmployeeByEmail(ctx context.Context, orgID, email string) (*models.EmployeeDoc, error) {
	start := time.Now()
	iter := f.employees(orgID).Where(FieldEmail, "==", email).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		observe("get_by_email", start, nil)
		return nil, ErrNotFound
	}
	observe("get_by_email", start, err)
	if err != nil {
		return nil, convertErr(err)
	}
	doc, err := decodeEmployee(snap)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (f *Firestore) GetEmployee(ctx context.Context, orgID, docID string) (*models.EmployeeDoc, error) {
	start := time.Now()
	snap, err := f.employees(orgID).Doc(docID).Get(ctx)
	observe("get_employee", start, err)
	if err != nil {
		return nil, convertErr(err)
	}
	doc, err := decodeEmployee(snap)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (f *Firestore) NewEmployeeID() string {
	return uuid.NewString()
}

func (f *Firestore) CommitEmployees(ctx context.Context, orgID string, writes []models.EmployeeWrite) error {
	if len(writes) == 0 {
		return nil
	}
	if err := ValidateBatch(writes); err != nil {
		return err
	}

	batch := f.client.Batch()
	for _, w := range writes {
		if w.DocID == "" {
			return errMissingDocID
		}
		ref := f.employees(orgID).Doc(w.DocID)
		data := map[string]any{
			FieldEmail:         w.Email,
			FieldStatus:        string(w.Status),
			FieldPresent:       true,
			FieldLastSeenEpoch: w.LastSeenEpoch,
			FieldUpdatedAt:     firestore.ServerTimestamp,
			FieldSource:        w.Source,
		}
		if w.EventID != "" {
			data[FieldLastEventID] = w.EventID
		}
		if w.Create {
			batch.Create(ref, data)
		} else {
			batch.Set(ref, data, firestore.MergeAll)
		}
	}

	start := time.Now()
	_, err := batch.Commit(ctx)
	observe("commit_batch", start, err)
	return convertErr(err)
}

func (f *Firestore) UpdateEmployee(ctx context.Context, orgID, docID string, fields map[string]any) error {
	upds := make([]firestore.Update, 0, len(fields)+1)
	for k, v := range fields {
		upds = append(upds, firestore.Update{Path: k, Value: v})
	}
	upds = append(upds, firestore.Update{Path: FieldUpdatedAt, Value: firestore.ServerTimestamp})

	start := time.Now()
	_, err := f.employees(orgID).Doc(docID).Update(ctx, upds)
	observe("update_employee", start, err)
	return convertErr(err)
}

func (f *Firestore) ScanPresentBefore(ctx context.Context, orgID string, epoch int64, pageSize int, cursor *Cursor) ([]models.EmployeeDoc, *Cursor, error) {
	if pageSize <= 0 {
		return nil, nil, errBadPageSize(pageSize)
	}
	q := f.employees(orgID).
		Where(FieldPresent, "==", true).
		Where(FieldLastSeenEpoch, "<", epoch).
		OrderBy(FieldLastSeenEpoch, firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize)
	if cursor != nil {
		q = q.StartAfter(cursor.LastSeenEpoch, cursor.DocID)
	}

	start := time.Now()
	snaps, err := q.Documents(ctx).GetAll()
	observe("scan_present", start, err)
	if err != nil {
		return nil, nil, convertErr(err)
	}

	out := make([]models.EmployeeDoc, 0, len(snaps))
	for _, snap := range snaps {
		doc, derr := decodeEmployee(snap)
		if derr != nil {
			return nil, nil, derr
		}
		out = append(out, doc)
	}
	if len(out) < pageSize {
		return out, nil, nil
	}
	last := out[len(out)-1]
	return out, &Cursor{LastSeenEpoch: last.LastSeenEpoch, DocID: last.ID}, nil
}

func (f *Firestore) MarkEmployeesAbsent(ctx context.Context, orgID string, docIDs []string) error {
	for len(docIDs) > 0 {
		chunk := docIDs
		if len(chunk) > MaxBatchWrites {
			chunk = chunk[:MaxBatchWrites]
		}
		docIDs = docIDs[len(chunk):]

		batch := f.client.Batch()
		for _, id := range chunk {
			batch.Update(f.employees(orgID).Doc(id), []firestore.Update{
				{Path: FieldPresent, Value: false},
				{Path: FieldUpdatedAt, Value: firestore.ServerTimestamp},
			})
		}
		start := time.Now()
		_, err := batch.Commit(ctx)
		observe("mark_absent", start, err)
		if err != nil {
			return convertErr(err)
		}
	}
	return nil
}

func (f *Firestore) CountPresent(ctx context.Context, orgID string) (int64, error) {
	q := f.employees(orgID).Where(FieldPresent, "==", true)

	start := time.Now()
	res, err := q.NewAggregationQuery().WithCount("present").Get(ctx)
	observe("count_present", start, err)
	if err != nil {
		return 0, convertErr(err)
	}
	v, ok := res["present"]
	if !ok {
		return 0, errors.New("count aggregation missing result")
	}
	pb, ok := v.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result type %T", v)
	}
	return pb.GetIntegerValue(), nil
}

type eventRecord struct {
	Digests   []string  `firestore:"digests"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (f *Firestore) HasEventDigest(ctx context.Context, orgID, eventID, digest string) (bool, error) {
	start := time.Now()
	snap, err := f.events(orgID).Doc(eventID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		observe("event_get", start, nil)
		return false, nil
	}
	observe("event_get", start, err)
	if err != nil {
		return false, convertErr(err)
	}
	var rec eventRecord
	if err := snap.DataTo(&rec); err != nil {
		return false, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	for _, d := range rec.Digests {
		if d == digest {
			return true, nil
		}
	}
	return false, nil
}

func (f *Firestore) RecordEventDigest(ctx context.Context, orgID, eventID, digest string) error {
	start := time.Now()
	_, err := f.events(orgID).Doc(eventID).Set(ctx, map[string]any{
		"digests":      firestore.ArrayUnion(digest),
		FieldUpdatedAt: firestore.ServerTimestamp,
	}, firestore.MergeAll)
	observe("event_record", start, err)
	return convertErr(err)
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func decodeEmployee(snap *firestore.DocumentSnapshot) (models.EmployeeDoc, error) {
	var e models.Employee
	if err := snap.DataTo(&e); err != nil {
		return models.EmployeeDoc{}, fmt.Errorf("decode employee %s: %w", snap.Ref.ID, err)
	}
	return models.EmployeeDoc{ID: snap.Ref.ID, Employee: e}, nil
}

func observe(op string, start time.Time, err error) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	metrics.StoreOps.WithLabelValues(op, result).Inc()
}

// convertErr maps transport errors onto the store's sentinels and tags
// retryable gRPC codes so callers can apply backoff.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.AlreadyExists:
		return ErrAlreadyExists
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return MarkRetryable(err)
	}
	return err
}

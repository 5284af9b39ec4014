package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vasvenk/buildml/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const modelColumns = `id,owner_id,name,problem_description,source_type,source_file_name,source_file_size,source_bucket_url,source_region,source_credentials_ref,status,rowid,created_at,updated_at,completed_at,api_endpoint,api_key,metric_accuracy,metric_precision,metric_recall,error_message`

type modelScanner interface {
	Scan(dest ...any) error
}

func scanModel(row modelScanner) (domain.Model, error) {
	var m domain.Model
	var fileName, bucketURL, region, credentialsRef sql.NullString
	var fileSize sql.NullInt64
	var completedAt, apiEndpoint, apiKey, errorMessage sql.NullString
	var accuracy, precision, recall sql.NullFloat64
	err := row.Scan(&m.ID, &m.OwnerID, &m.Name, &m.ProblemDescription,
		&m.DataSource.Type, &fileName, &fileSize, &bucketURL, &region, &credentialsRef,
		&m.Status, &m.Seq, &m.CreatedAt, &m.UpdatedAt,
		&completedAt, &apiEndpoint, &apiKey, &accuracy, &precision, &recall, &errorMessage)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if fileName.Valid {
		m.DataSource.FileName = &fileName.String
	}
	if fileSize.Valid {
		m.DataSource.FileSize = &fileSize.Int64
	}
	if bucketURL.Valid {
		m.DataSource.BucketURL = &bucketURL.String
	}
	if region.Valid {
		m.DataSource.Region = &region.String
	}
	if credentialsRef.Valid {
		m.DataSource.CredentialsRef = &credentialsRef.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	if apiEndpoint.Valid {
		m.APIEndpoint = &apiEndpoint.String
	}
	if apiKey.Valid {
		m.APIKey = &apiKey.String
	}
	if accuracy.Valid && precision.Valid && recall.Valid {
		m.Metrics = &domain.Metrics{
			Accuracy:  accuracy.Float64,
			Precision: precision.Float64,
			Recall:    recall.Float64,
		}
	}
	if errorMessage.Valid {
		m.ErrorMessage = &errorMessage.String
	}
	return m, nil
}

func (r Repo) InsertModel(ctx context.Context, tx *sql.Tx, m domain.Model) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO models(id,owner_id,name,problem_description,source_type,source_file_name,source_file_size,source_bucket_url,source_region,source_credentials_ref,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.OwnerID, m.Name, m.ProblemDescription,
		m.DataSource.Type, nullableStringPtr(m.DataSource.FileName), nullableIntPtr(m.DataSource.FileSize),
		nullableStringPtr(m.DataSource.BucketURL), nullableStringPtr(m.DataSource.Region), nullableStringPtr(m.DataSource.CredentialsRef),
		m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetModel(ctx context.Context, id string) (domain.Model, error) {
	return scanModel(r.DB.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id=?`, id))
}

// GetModelForOwner is GetModel restricted to records owned by ownerID;
// another user's record is indistinguishable from a missing one.
func (r Repo) GetModelForOwner(ctx context.Context, id, ownerID string) (domain.Model, error) {
	return scanModel(r.DB.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id=? AND owner_id=?`, id, ownerID))
}

// ListModelsByOwner returns the owner's records newest first. The sort
// happens here rather than in SQL: ordering is part of the store
// contract, and rowid breaks created_at ties by insertion order.
func (r Repo) ListModelsByOwner(ctx context.Context, ownerID string) ([]domain.Model, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+modelColumns+` FROM models WHERE owner_id=?`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt != res[j].CreatedAt {
			return res[i].CreatedAt > res[j].CreatedAt
		}
		return res[i].Seq < res[j].Seq
	})
	return res, nil
}

// ListTrainingModels returns every record still in training, across
// all owners. Used to re-arm transition timers after a restart.
func (r Repo) ListTrainingModels(ctx context.Context) ([]domain.Model, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+modelColumns+` FROM models WHERE status=?`, domain.StatusTraining)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// TerminalPatch is the whole-record patch applied by the single
// training transition. Exactly one of the completed fields
// (Endpoint/Key/Metrics) or ErrorMessage groups is set, matching the
// target status.
type TerminalPatch struct {
	Status       string
	UpdatedAt    string
	CompletedAt  *string
	APIEndpoint  *string
	APIKey       *string
	Metrics      *domain.Metrics
	ErrorMessage *string
}

// UpdateModelTerminal applies the patch inside tx, but only while the
// record is still training. It returns false without error when the
// record is already terminal, which makes duplicate firings harmless.
func (r Repo) UpdateModelTerminal(ctx context.Context, tx *sql.Tx, id string, p TerminalPatch) (bool, error) {
	if p.Status != domain.StatusCompleted && p.Status != domain.StatusFailed {
		return false, fmt.Errorf("terminal status required, got %q", p.Status)
	}
	var accuracy, precision, recall any
	if p.Metrics != nil {
		accuracy, precision, recall = p.Metrics.Accuracy, p.Metrics.Precision, p.Metrics.Recall
	}
	res, err := tx.ExecContext(ctx, `UPDATE models SET status=?, updated_at=?, completed_at=?, api_endpoint=?, api_key=?, metric_accuracy=?, metric_precision=?, metric_recall=?, error_message=?
WHERE id=? AND status=?`,
		p.Status, p.UpdatedAt, nullableStringPtr(p.CompletedAt), nullableStringPtr(p.APIEndpoint), nullableStringPtr(p.APIKey),
		accuracy, precision, recall, nullableStringPtr(p.ErrorMessage),
		id, domain.StatusTraining)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	// Either the id is unknown or the record already reached a terminal
	// state; distinguish the two for the caller.
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM models WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// RenameModel updates the human-readable label; the only mutation an
// owner may make directly.
func (r Repo) RenameModel(ctx context.Context, tx *sql.Tx, id, ownerID, name, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE models SET name=?, updated_at=? WHERE id=? AND owner_id=?`,
		name, updatedAt, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns the newest events for an owner, descending.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, ownerID, evtType, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if ownerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, ownerID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,owner_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, ownerID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if ownerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, ownerID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,owner_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, or 0 when none exist.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ownerID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &ownerID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if ownerID.Valid {
			e.OwnerID = ownerID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

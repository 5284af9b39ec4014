package domain

const (
	StatusTraining  = "training"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	SourceCSV = "csv"
	SourceS3  = "s3"
)

// DataSource is a tagged union: Type selects which of the remaining
// fields are meaningful.
type DataSource struct {
	Type           string  `json:"type" enum:"csv,s3"`
	FileName       *string `json:"file_name,omitempty"`
	FileSize       *int64  `json:"file_size,omitempty"`
	BucketURL      *string `json:"bucket_url,omitempty"`
	Region         *string `json:"region,omitempty"`
	CredentialsRef *string `json:"credentials_ref,omitempty"`
}

type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

// Model is the persisted record for one requested predictive model.
// Seq is the insertion counter assigned by the store; it breaks
// created_at ties when listing.
type Model struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	Name               string     `json:"name"`
	ProblemDescription string     `json:"problem_description"`
	DataSource         DataSource `json:"data_source"`
	Status             string     `json:"status" enum:"training,completed,failed"`
	Seq                int64      `json:"-"`
	CreatedAt          string     `json:"created_at" format:"date-time"`
	UpdatedAt          string     `json:"updated_at" format:"date-time"`
	CompletedAt        *string    `json:"completed_at,omitempty" format:"date-time"`
	APIEndpoint        *string    `json:"api_endpoint,omitempty"`
	APIKey             *string    `json:"api_key,omitempty"`
	Metrics            *Metrics   `json:"metrics,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
}

// Terminal reports whether the model has left training.
func (m Model) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

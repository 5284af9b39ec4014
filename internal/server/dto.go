package server

import (
	"github.com/vasvenk/buildml/internal/domain"
)

// Request payloads

type DataSourceRequest struct {
	Type           string  `json:"type" enum:"csv,s3"`
	FileName       *string `json:"file_name,omitempty"`
	FileSize       *int64  `json:"file_size,omitempty"`
	BucketURL      *string `json:"bucket_url,omitempty"`
	Region         *string `json:"region,omitempty"`
	CredentialsRef *string `json:"credentials_ref,omitempty"`
}

type CreateModelRequest struct {
	Name               *string           `json:"name,omitempty"`
	ProblemDescription string            `json:"problem_description"`
	DataSource         DataSourceRequest `json:"data_source"`
}

type UpdateModelRequest struct {
	Name string `json:"name"`
}

type CreateKeyRequest struct {
	Name *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type DataSourceResponse struct {
	Type           string  `json:"type"`
	FileName       *string `json:"file_name,omitempty"`
	FileSize       *int64  `json:"file_size,omitempty"`
	BucketURL      *string `json:"bucket_url,omitempty"`
	Region         *string `json:"region,omitempty"`
	CredentialsRef *string `json:"credentials_ref,omitempty"`
}

type MetricsResponse struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

type ModelResponse struct {
	ID                 string             `json:"id"`
	OwnerID            string             `json:"owner_id"`
	Name               string             `json:"name"`
	ProblemDescription string             `json:"problem_description"`
	DataSource         DataSourceResponse `json:"data_source"`
	Status             string             `json:"status" enum:"training,completed,failed"`
	CreatedAt          string             `json:"created_at"`
	UpdatedAt          string             `json:"updated_at"`
	CompletedAt        *string            `json:"completed_at,omitempty"`
	APIEndpoint        *string            `json:"api_endpoint,omitempty"`
	APIKey             *string            `json:"api_key,omitempty"`
	Metrics            *MetricsResponse   `json:"metrics,omitempty"`
	ErrorMessage       *string            `json:"error_message,omitempty"`
}

type ModelListResponse struct {
	Items []ModelResponse `json:"items"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type KeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CreatedKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is the raw access key, returned once at creation.
	Key string `json:"key"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func dataSource(req DataSourceRequest) domain.DataSource {
	return domain.DataSource{
		Type:           req.Type,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		BucketURL:      req.BucketURL,
		Region:         req.Region,
		CredentialsRef: req.CredentialsRef,
	}
}

func modelResponse(m domain.Model) ModelResponse {
	resp := ModelResponse{
		ID:                 m.ID,
		OwnerID:            m.OwnerID,
		Name:               m.Name,
		ProblemDescription: m.ProblemDescription,
		DataSource: DataSourceResponse{
			Type:           m.DataSource.Type,
			FileName:       m.DataSource.FileName,
			FileSize:       m.DataSource.FileSize,
			BucketURL:      m.DataSource.BucketURL,
			Region:         m.DataSource.Region,
			CredentialsRef: m.DataSource.CredentialsRef,
		},
		Status:       m.Status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		CompletedAt:  m.CompletedAt,
		APIEndpoint:  m.APIEndpoint,
		APIKey:       m.APIKey,
		ErrorMessage: m.ErrorMessage,
	}
	if m.Metrics != nil {
		resp.Metrics = &MetricsResponse{
			Accuracy:  m.Metrics.Accuracy,
			Precision: m.Metrics.Precision,
			Recall:    m.Metrics.Recall,
		}
	}
	return resp
}

func mapModels(items []domain.Model) []ModelResponse {
	res := make([]ModelResponse, 0, len(items))
	for _, m := range items {
		res = append(res, modelResponse(m))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func keyResponse(k domain.APIKey) KeyResponse {
	return KeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt}
}

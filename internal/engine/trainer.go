package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"

	"github.com/vasvenk/buildml/internal/domain"
)

// Artifacts is what a finished training run produces.
type Artifacts struct {
	APIEndpoint string
	APIKey      string
	Metrics     domain.Metrics
}

// Trainer turns a training-state model into serving artifacts. A
// returned error marks the model failed.
type Trainer interface {
	Train(ctx context.Context, m domain.Model) (Artifacts, error)
}

const apiKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const apiKeyLength = 32

// GenerateAPIKey returns a fresh serving credential of the form
// sk_live_ followed by 32 alphanumeric characters.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyLength)
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		buf[i] = apiKeyAlphabet[n.Int64()]
	}
	return "sk_live_" + string(buf), nil
}

// MockTrainer simulates a training run: it mints a serving credential,
// derives the endpoint from the configured base, and draws plausible
// evaluation metrics.
type MockTrainer struct {
	EndpointBase string
}

func (t MockTrainer) Train(_ context.Context, m domain.Model) (Artifacts, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return Artifacts{}, err
	}
	return Artifacts{
		APIEndpoint: t.EndpointBase + "/" + m.ID,
		APIKey:      key,
		Metrics: domain.Metrics{
			Accuracy:  0.85 + mrand.Float64()*0.1,
			Precision: 0.82 + mrand.Float64()*0.1,
			Recall:    0.79 + mrand.Float64()*0.1,
		},
	}, nil
}

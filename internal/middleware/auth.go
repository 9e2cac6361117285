package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// Client is one authenticated principal: a name and its allowed API keys.
type Client struct {
	Name string
	Keys []string
}

// AuthStep validates the caller's API key and tags the request with the
// matching consumer id. With no clients configured the step admits
// everything anonymously.
type AuthStep struct {
	clients []Client
	logger  *zap.Logger
}

func NewAuth(clients []Client, logger *zap.Logger) *AuthStep {
	return &AuthStep{clients: clients, logger: logger}
}

func (s *AuthStep) Name() string { return "auth" }

func (s *AuthStep) Pre(_ context.Context, details *classify.CallDetails) *Rejection {
	if len(s.clients) == 0 {
		return nil
	}

	key := details.APIKey
	if key == "" {
		return &Rejection{Status: http.StatusUnauthorized, Message: "missing api key"}
	}

	for _, client := range s.clients {
		for _, allowed := range client.Keys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
				details.ConsumerID = client.Name
				return nil
			}
		}
	}

	s.logger.Debug("rejected unknown api key")
	return &Rejection{Status: http.StatusUnauthorized, Message: "invalid api key"}
}

func (s *AuthStep) Post(context.Context, *classify.CallDetails, *endpoints.Usage) {}

package endpoints

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
)

// OpenAIDispatcher proxies to an OpenAI-shaped endpoint. Azure-shaped
// incoming paths are rewritten to the /v1 family; the model travels in the
// request body.
type OpenAIDispatcher struct {
	*core
}

// NewOpenAI builds a dispatcher for an OpenAI endpoint. The client may be
// nil; a default one is used.
func NewOpenAI(desc Descriptor, client *http.Client, logger *zap.Logger) *OpenAIDispatcher {
	d := &OpenAIDispatcher{}
	desc.Kind = KindOpenAI
	d.core = newCore(desc, d, client, logger)
	return d
}

func (d *OpenAIDispatcher) targetURL(details *classify.CallDetails, _ string) string {
	if details.Kind == classify.KindOther {
		u := fmt.Sprintf("%s/%s", d.desc.BaseURL, details.RemainingPath)
		if details.RawQuery != "" {
			u += "?" + details.RawQuery
		}
		return u
	}
	// RemainingPath is already the provider-neutral tail (chat/completions,
	// completions, embeddings, ...) for both incoming path families.
	return fmt.Sprintf("%s/v1/%s", d.desc.BaseURL, details.RemainingPath)
}

func (d *OpenAIDispatcher) decorate(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+d.desc.APIKey)
	if d.desc.Organization != "" {
		req.Header.Set("OpenAI-Organization", d.desc.Organization)
	}
}

package endpoints

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
)

// AzureDispatcher proxies to an Azure OpenAI resource. The upstream model
// name becomes the deployment segment of the target URL.
type AzureDispatcher struct {
	*core
}

// NewAzure builds a dispatcher for an Azure OpenAI endpoint. The client may
// be nil; a default one is used.
func NewAzure(desc Descriptor, client *http.Client, logger *zap.Logger) *AzureDispatcher {
	d := &AzureDispatcher{}
	desc.Kind = KindAzureOpenAI
	d.core = newCore(desc, d, client, logger)
	return d
}

func (d *AzureDispatcher) targetURL(details *classify.CallDetails, upstreamModel string) string {
	if details.Kind == classify.KindAssistantControl {
		// Assistants live under the openai/ prefix and carry no deployment.
		return fmt.Sprintf("%s/openai/%s?api-version=%s", d.desc.BaseURL, details.RemainingPath, d.desc.APIVersion)
	}
	if upstreamModel == "" || details.Kind == classify.KindOther {
		// No deployment to address; forward the suffix as-is.
		return fmt.Sprintf("%s/%s?api-version=%s", d.desc.BaseURL, details.RemainingPath, d.desc.APIVersion)
	}
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		d.desc.BaseURL, upstreamModel, details.RemainingPath, d.desc.APIVersion)
}

func (d *AzureDispatcher) decorate(req *http.Request) {
	req.Header.Set("api-key", d.desc.APIKey)
}

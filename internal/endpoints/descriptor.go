package endpoints

import (
	"strings"
	"time"
)

// Kind identifies the upstream provider wire shape.
type Kind string

const (
	KindAzureOpenAI Kind = "azure.openai"
	KindOpenAI      Kind = "openai"
)

const defaultTimeout = 60 * time.Second

// Descriptor is the immutable configuration of one upstream endpoint. It is
// built once at startup and shared across requests.
type Descriptor struct {
	ID             string
	Kind           Kind
	BaseURL        string
	APIKey         string
	APIVersion     string // azure only
	Organization   string // openai only
	ModelMap       map[string]string // incoming model -> upstream model/deployment
	MaxConcurrency int               // 0 = unbounded
	Timeout        time.Duration
}

func (d *Descriptor) normalize() {
	d.BaseURL = strings.TrimSuffix(d.BaseURL, "/")
	if d.APIVersion == "" {
		d.APIVersion = "2024-02-01"
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
}

// MapModel resolves an incoming model name to the upstream one. An empty
// incoming name means the call carries no model and nothing is remapped.
func (d *Descriptor) MapModel(incoming string) (string, bool) {
	if incoming == "" {
		return "", true
	}
	upstream, ok := d.ModelMap[incoming]
	return upstream, ok
}

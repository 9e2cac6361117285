package classify

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the inferred semantic type of an LLM request.
type Kind int

const (
	KindChat Kind = iota
	KindCompletion
	KindEmbedding
	KindImageGeneration
	KindTranscription
	KindTranslation
	KindAssistantControl
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindCompletion:
		return "completion"
	case KindEmbedding:
		return "embedding"
	case KindImageGeneration:
		return "image_generation"
	case KindTranscription:
		return "transcription"
	case KindTranslation:
		return "translation"
	case KindAssistantControl:
		return "assistant_control"
	default:
		return "other"
	}
}

// Shape describes how the response will be delivered to the caller.
type Shape int

const (
	ShapeBuffered Shape = iota
	ShapeStreaming
)

func (s Shape) Streaming() bool { return s == ShapeStreaming }

// AffinityHeader carries a caller-supplied endpoint preference.
const AffinityHeader = "x-aicentral-affinity"

// ErrMalformedBody is returned when a JSON request body does not parse.
var ErrMalformedBody = errors.New("malformed request body")

// CallDetails is the classified form of one incoming request. It is built
// once per request and not mutated afterwards, except for ConsumerID which
// the auth step fills in.
type CallDetails struct {
	Kind                Kind
	Model               string // "model" field from the body, if any
	Deployment          string // deployment segment from an Azure-shaped path
	AssistantID         string
	PromptText          string
	Shape               Shape
	RemainingPath       string // URL suffix to forward upstream
	RawQuery            string
	RawBody             []byte // byte-exact original body; rewrites derive copies
	ContentType         string
	Method              string
	ConsumerID          string
	PreferredEndpointID string
	RequestID           string
	APIKey              string
}

// IncomingModel returns the model identifier the caller asked for: the body
// model when present, otherwise the Azure deployment segment.
func (d *CallDetails) IncomingModel() string {
	if d.Model != "" {
		return d.Model
	}
	return d.Deployment
}

// Classify parses the incoming request into CallDetails. The body is fully
// read into memory so it can be rewritten and retried downstream.
func Classify(r *http.Request) (*CallDetails, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	details := &CallDetails{
		Kind:                KindOther,
		RawBody:             body,
		RawQuery:            r.URL.RawQuery,
		ContentType:         r.Header.Get("Content-Type"),
		Method:              r.Method,
		RemainingPath:       strings.TrimPrefix(r.URL.Path, "/"),
		PreferredEndpointID: r.Header.Get(AffinityHeader),
		APIKey:              extractAPIKey(r),
	}

	jsonBody := len(body) > 0 && strings.Contains(details.ContentType, "json")
	if jsonBody && !gjson.ValidBytes(body) {
		return nil, ErrMalformedBody
	}

	classifyPath(details, r.URL.Path)

	if jsonBody {
		parsed := gjson.ParseBytes(body)
		if m := parsed.Get("model"); m.Type == gjson.String {
			details.Model = m.String()
		}
		if parsed.Get("stream").Type == gjson.True {
			details.Shape = ShapeStreaming
		}
		if details.AssistantID == "" {
			if a := parsed.Get("assistant_id"); a.Type == gjson.String {
				details.AssistantID = a.String()
			}
		}
		details.PromptText = extractPromptText(details.Kind, parsed)
	}

	return details, nil
}

// classifyPath recognises the Azure-shaped and OpenAI-shaped path families.
// Unknown shapes stay KindOther with the path forwarded untouched.
func classifyPath(details *CallDetails, path string) {
	trimmed := strings.Trim(path, "/")
	segs := strings.Split(trimmed, "/")

	switch {
	case len(segs) >= 3 && segs[0] == "openai" && segs[1] == "deployments":
		details.Deployment = segs[2]
		tail := strings.Join(segs[3:], "/")
		details.RemainingPath = tail
		details.Kind = kindForTail(tail)

	case len(segs) >= 2 && segs[0] == "openai" && segs[1] == "assistants":
		details.Kind = KindAssistantControl
		if len(segs) >= 3 {
			details.AssistantID = segs[2]
		}
		details.RemainingPath = strings.Join(segs[1:], "/")

	case len(segs) >= 2 && segs[0] == "v1":
		tail := strings.Join(segs[1:], "/")
		details.RemainingPath = tail
		if segs[1] == "assistants" {
			details.Kind = KindAssistantControl
			if len(segs) >= 3 {
				details.AssistantID = segs[2]
			}
			return
		}
		details.Kind = kindForTail(tail)
	}
}

func kindForTail(tail string) Kind {
	switch tail {
	case "chat/completions":
		return KindChat
	case "completions":
		return KindCompletion
	case "embeddings":
		return KindEmbedding
	case "images/generations":
		return KindImageGeneration
	case "audio/transcriptions":
		return KindTranscription
	case "audio/translations":
		return KindTranslation
	}
	return KindOther
}

// extractPromptText flattens the request text used for logging and token
// estimation: chat messages, completion prompt, or embedding input.
func extractPromptText(kind Kind, body gjson.Result) string {
	switch kind {
	case KindChat:
		var parts []string
		body.Get("messages").ForEach(func(_, msg gjson.Result) bool {
			content := msg.Get("content")
			switch {
			case content.Type == gjson.String:
				parts = append(parts, content.String())
			case content.IsArray():
				content.ForEach(func(_, block gjson.Result) bool {
					if t := block.Get("text"); t.Type == gjson.String {
						parts = append(parts, t.String())
					}
					return true
				})
			}
			return true
		})
		return strings.Join(parts, "\n")

	case KindCompletion:
		return joinStringOrArray(body.Get("prompt"))

	case KindEmbedding:
		return joinStringOrArray(body.Get("input"))
	}
	return ""
}

// extractAPIKey pulls the caller's key from the api-key header or an
// Authorization bearer token.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func joinStringOrArray(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if v.IsArray() {
		var parts []string
		v.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				parts = append(parts, item.String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

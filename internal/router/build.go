package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/affinity"
	"github.com/aicentral/aicentral/internal/config"
	"github.com/aicentral/aicentral/internal/endpoints"
	"github.com/aicentral/aicentral/internal/latency"
	"github.com/aicentral/aicentral/internal/middleware"
	"github.com/aicentral/aicentral/internal/pipeline"
	"github.com/aicentral/aicentral/internal/routing"
	"github.com/aicentral/aicentral/internal/telemetry"
)

// builder carries the shared pieces every pipeline is assembled from: one
// HTTP client for all upstreams, one latency tracker feeding the
// lowest-latency selectors, and the optional Redis client.
type builder struct {
	cfg      *config.Config
	client   *http.Client
	tracker  *latency.Tracker
	recorder telemetry.Recorder
	redis    *redis.Client
	logger   *zap.Logger
}

// Build turns the loaded configuration into hostname-keyed pipelines.
func Build(cfg *config.Config, logger *zap.Logger, recorder telemetry.Recorder) (map[string]*pipeline.Pipeline, error) {
	b := &builder{
		cfg: cfg,
		// Per-request deadlines come from each endpoint descriptor, so the
		// client itself carries none.
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracker:  latency.NewTracker(),
		recorder: recorder,
		logger:   logger,
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		if cfg.Redis.DB != 0 {
			opts.DB = cfg.Redis.DB
		}
		b.redis = redis.NewClient(opts)
	}

	pipelines := make(map[string]*pipeline.Pipeline, len(cfg.Pipelines))
	for i := range cfg.Pipelines {
		pc := &cfg.Pipelines[i]
		p, err := b.buildPipeline(pc)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", pc.Name, err)
		}
		pipelines[pc.Host] = p
	}
	return pipelines, nil
}

func (b *builder) buildPipeline(pc *config.PipelineConfig) (*pipeline.Pipeline, error) {
	selector, err := b.buildSelector(&pc.Selector)
	if err != nil {
		return nil, err
	}

	steps := []middleware.Step{b.buildAuth(&pc.Auth)}
	for _, sc := range pc.Steps {
		switch sc.Type {
		case "bulk-head":
			steps = append(steps, middleware.NewBulkhead(sc.Capacity, sc.QueueTimeout))
		case "request-rate":
			steps = append(steps, middleware.NewRequestRate(sc.Requests, sc.Window, partitionMode(sc.PartitionMode)))
		case "token-rate":
			steps = append(steps, middleware.NewTokenRate(sc.Tokens, sc.Window, partitionMode(sc.PartitionMode)))
		case "endpoint-affinity":
			selector = routing.NewAffinity(selector, b.affinityStore(sc.TTL), b.logger)
		default:
			return nil, fmt.Errorf("unknown step type %q", sc.Type)
		}
	}

	return pipeline.New(pipeline.Config{
		Name:        pc.Name,
		Steps:       steps,
		Selector:    selector,
		Tracker:     b.tracker,
		Recorder:    b.recorder,
		Logger:      b.logger,
		Diagnostics: pc.Diagnostics,
	}), nil
}

func (b *builder) buildAuth(ac *config.AuthConfig) middleware.Step {
	var clients []middleware.Client
	if ac.Type == "api-key" {
		for _, c := range ac.Clients {
			clients = append(clients, middleware.Client{Name: c.Name, Keys: c.Keys})
		}
	}
	return middleware.NewAuth(clients, b.logger)
}

func (b *builder) buildSelector(sc *config.SelectorConfig) (routing.Selector, error) {
	switch sc.Strategy {
	case "random":
		leaves, err := b.buildDispatchers(sc.Endpoints)
		if err != nil {
			return nil, err
		}
		return routing.NewRandom(leaves, b.logger), nil

	case "lowest-latency":
		leaves, err := b.buildDispatchers(sc.Endpoints)
		if err != nil {
			return nil, err
		}
		return routing.NewLowestLatency(leaves, b.tracker, b.logger), nil

	case "priority":
		tiers := make([][]endpoints.Dispatcher, 0, len(sc.Tiers))
		for _, tier := range sc.Tiers {
			leaves, err := b.buildDispatchers(tier)
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, leaves)
		}
		return routing.NewPriority(tiers, b.logger), nil

	case "hierarchical":
		children := make([]routing.Selector, 0, len(sc.Children))
		for i := range sc.Children {
			child, err := b.buildSelector(&sc.Children[i])
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return routing.NewHierarchical(children), nil

	default:
		return nil, fmt.Errorf("unknown selector strategy %q", sc.Strategy)
	}
}

func (b *builder) buildDispatchers(ecs []config.EndpointConfig) ([]endpoints.Dispatcher, error) {
	leaves := make([]endpoints.Dispatcher, 0, len(ecs))
	for _, ec := range ecs {
		desc := endpoints.Descriptor{
			ID:             ec.ID,
			BaseURL:        ec.BaseURL,
			APIKey:         ec.APIKey,
			APIVersion:     ec.APIVersion,
			Organization:   ec.Organization,
			ModelMap:       ec.ModelMap,
			MaxConcurrency: ec.MaxConcurrency,
			Timeout:        ec.Timeout,
		}
		switch endpoints.Kind(ec.Kind) {
		case endpoints.KindAzureOpenAI:
			desc.Kind = endpoints.KindAzureOpenAI
			leaves = append(leaves, endpoints.NewAzure(desc, b.client, b.logger))
		case endpoints.KindOpenAI:
			desc.Kind = endpoints.KindOpenAI
			leaves = append(leaves, endpoints.NewOpenAI(desc, b.client, b.logger))
		default:
			return nil, fmt.Errorf("endpoint %q: unknown kind %q", ec.ID, ec.Kind)
		}
	}
	return leaves, nil
}

func (b *builder) affinityStore(ttl time.Duration) affinity.Store {
	if b.redis != nil {
		return affinity.NewRedisStore(b.redis, ttl, b.logger)
	}
	return affinity.NewMemoryStore(ttl)
}

func partitionMode(s string) middleware.PartitionMode {
	if s == "consumer" {
		return middleware.PerConsumer
	}
	return middleware.PerPipeline
}

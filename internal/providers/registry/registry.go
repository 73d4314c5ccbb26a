package registry

import (
	"fmt"
	"net/http"
	"time"

	"starchat/internal/providers"
	"starchat/internal/providers/mock"
	"starchat/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	MockDelay   time.Duration
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch opts.Kind {
	case "openai", "openai_compat", "openai-compatible":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires an api key", opts.Kind)
		}
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "mock":
		return mock.Provider{Delay: opts.MockDelay}, nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

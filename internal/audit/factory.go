package audit

import (
	"fmt"

	"github.com/snapp-incubator/frl-proxy/internal/config"
)

// New builds the configured audit Storage backend. Disabled audit logging
// yields a Noop sink so callers never need to nil-check.
func New(cfg config.Audit) (Storage, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	switch cfg.Backend {
	case "elasticsearch":
		return NewElastic(cfg.Elasticsearch)
	case "stdout", "":
		return StdoutStorage{}, nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}

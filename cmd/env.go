package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/store"
	"github.com/sells-group/crm-sync/internal/upstream"
	"github.com/sells-group/crm-sync/pkg/hubspot"
	sfpkg "github.com/sells-group/crm-sync/pkg/salesforce"
)

// openStore validates the store settings, connects and applies migrations.
// Callers should defer Close.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadNormalizer builds the normalizer from the configured mapping file or
// the embedded default.
func loadNormalizer() (*normalize.Normalizer, error) {
	if cfg.Normalize.MappingFile == "" {
		m, err := normalize.DefaultMapping()
		if err != nil {
			return nil, err
		}
		return normalize.New(m), nil
	}
	m, err := normalize.LoadMapping(cfg.Normalize.MappingFile)
	if err != nil {
		return nil, err
	}
	zap.L().Info("field mapping loaded", zap.String("path", cfg.Normalize.MappingFile))
	return normalize.New(m), nil
}

// initUpstream connects the configured CRM. The property list follows the
// normalizer so a reloaded mapping changes what is requested.
func initUpstream(n *normalize.Normalizer) (upstream.Upstream, error) {
	switch cfg.Upstream.Provider {
	case "hubspot":
		hs := cfg.Upstream.HubSpot
		client := hubspot.NewClient(hs.Token,
			hubspot.WithBaseURL(hs.BaseURL),
			hubspot.WithHTTPClient(&http.Client{Timeout: time.Duration(hs.TimeoutSecs) * time.Second}),
			hubspot.WithRateLimit(hs.RateLimit),
		)
		return upstream.NewHubSpot(client, n.Properties), nil
	case "salesforce":
		sf := cfg.Upstream.Salesforce
		client, err := sfpkg.Dial(sfpkg.Credentials{
			LoginURL: sf.LoginURL,
			Username: sf.Username,
			ClientID: sf.ClientID,
			KeyPath:  sf.KeyPath,
		}, sfpkg.WithRateLimit(sf.RateLimit))
		if err != nil {
			return nil, err
		}
		return upstream.NewSalesforce(client, sf.Object, n.Properties), nil
	default:
		return nil, eris.Errorf("unsupported upstream provider: %s", cfg.Upstream.Provider)
	}
}

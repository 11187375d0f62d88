package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/api"
	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/monitoring"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/queue"
	"github.com/sells-group/crm-sync/internal/retention"
	"github.com/sells-group/crm-sync/internal/segment"
	"github.com/sells-group/crm-sync/internal/suppression"
	"github.com/sells-group/crm-sync/internal/webhook"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook receiver and API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := loadNormalizer()
		if err != nil {
			return err
		}
		if cfg.Normalize.Watch && cfg.Normalize.MappingFile != "" {
			if err := normalize.Watch(ctx, n, cfg.Normalize.MappingFile); err != nil {
				return err
			}
		}

		src, err := initUpstream(n)
		if err != nil {
			return err
		}

		resolver := dedup.NewResolver(st)
		ret := retention.NewEngine(st)
		segments := segment.NewMaterializer(st)
		alerter := monitoring.NewAlerter(cfg.Monitoring)

		proc := webhook.NewProcessor(src, n, resolver, ret, segments, st, webhook.Config{
			Concurrency:      cfg.Webhook.Workers,
			DLQRetries:       cfg.Webhook.DLQRetries,
			BreakerThreshold: cfg.Webhook.BreakerThreshold,
			BreakerCooldown:  cfg.Webhook.BreakerCooldown,
		})
		dispatcher := webhook.NewDispatcher(proc, cfg.Webhook.Workers, cfg.Webhook.QueueDepth, func(r *model.BatchReport) {
			alerter.BatchFinished(context.WithoutCancel(ctx), r)
		})
		// Workers outlive ctx so queued batches drain on shutdown.
		dispatcher.Start(context.WithoutCancel(ctx))
		defer dispatcher.Close()

		var intake webhook.Submitter = dispatcher
		if cfg.Webhook.Backend == "amqp" {
			q, err := queue.Dial(cfg.Webhook.AMQPURL, cfg.Webhook.AMQPQueue)
			if err != nil {
				return err
			}
			defer q.Close() //nolint:errcheck
			go func() {
				if err := q.Consume(ctx, dispatcher); err != nil {
					zap.L().Error("webhook queue consumer stopped", zap.Error(err))
					stop()
				}
			}()
			intake = q
		}

		go monitoring.NewChecker(monitoring.NewCollector(st), alerter, cfg.Monitoring).Run(ctx)

		router := api.NewRouter(api.Deps{
			Store:      st,
			Normalizer: n,
			Resolver:   resolver,
			Retention:  ret,
			Segments:   segments,
			Mounts: []api.Mounter{
				webhook.NewHandler(intake, webhook.HandlerConfig{
					Secret:  cfg.Webhook.Secret,
					MaxSkew: cfg.Webhook.MaxSkew,
				}),
				suppression.NewHandler(st),
			},
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("upstream", src.Name()),
			zap.String("webhook_backend", cfg.Webhook.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

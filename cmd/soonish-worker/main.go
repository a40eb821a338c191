// Command soonish-worker runs the Soonish durable worker: it hosts the event
// lifecycle and reminder workflows plus their activities on a Temporal task
// queue, connected to Postgres for state and the notifier drivers for
// delivery.
//
// # Configuration
//
// Environment variables:
//
//	SOONISH_DATABASE_URL   - Postgres connection string
//	SOONISH_ENCRYPTION_KEY - base64 256-bit field encryption key (required outside debug)
//	SOONISH_SIGNING_KEY    - token signing key (required outside debug)
//	SOONISH_DEBUG          - debug mode, generates missing keys ("true"/"false")
//	SOONISH_DRIVER_TIMEOUT - per-send timeout (default "10s")
//	TEMPORAL_ADDRESS       - Temporal frontend (default "localhost:7233")
//	TEMPORAL_NAMESPACE     - Temporal namespace (default "default")
//	TEMPORAL_TASK_QUEUE    - task queue (default "soonish-task-queue")
//	SMTP_* / SMTP_VERIFIED_* - fallback email sender profiles
//	MONGO_URL, MONGO_DATABASE - optional report archive
//	REDIS_URL, REDIS_PASSWORD - optional live report stream
//
// # Example
//
//	SOONISH_DEBUG=true go run ./cmd/soonish-worker
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	sdkworkflow "go.temporal.io/sdk/workflow"
	"goa.design/clue/log"

	"github.com/soonishlabs/soonish/activity"
	"github.com/soonishlabs/soonish/config"
	"github.com/soonishlabs/soonish/dispatch"
	"github.com/soonishlabs/soonish/notify"
	"github.com/soonishlabs/soonish/report/mongo"
	"github.com/soonishlabs/soonish/report/pulse"
	"github.com/soonishlabs/soonish/resolve"
	"github.com/soonishlabs/soonish/schedule"
	scheduletemporal "github.com/soonishlabs/soonish/schedule/temporal"
	"github.com/soonishlabs/soonish/store/postgres"
	"github.com/soonishlabs/soonish/workflow"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cipher, err := cfg.Cipher()
	if err != nil {
		return err
	}

	st, err := postgres.Open(ctx, cfg.DatabaseURL, cipher)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	tracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{})
	if err != nil {
		return fmt.Errorf("create tracing interceptor: %w", err)
	}
	temporalClient, err := client.Dial(client.Options{
		HostPort:     cfg.TemporalAddress,
		Namespace:    cfg.TemporalNamespace,
		Interceptors: []interceptor.ClientInterceptor{tracingInterceptor},
	})
	if err != nil {
		return fmt.Errorf("dial temporal at %s: %w", cfg.TemporalAddress, err)
	}
	defer temporalClient.Close()

	registry := notify.NewDefaultRegistry(cfg.DriverTimeout)
	resolver := resolve.New(st.Integrations(), cipher)

	dispatchOpts := []dispatch.Option{
		dispatch.WithFallbackProfiles(cfg.DefaultSMTP, cfg.VerifiedSMTP),
	}
	if cfg.MongoURL != "" {
		mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() { _ = mongoClient.Disconnect(context.Background()) }()
		coll := mongoClient.Database(cfg.MongoDatabase).Collection("dispatch_reports")
		dispatchOpts = append(dispatchOpts, dispatch.WithSinks(mongo.New(coll)))
		log.Print(ctx, log.KV{K: "msg", V: "report archive enabled"}, log.KV{K: "mongo_db", V: cfg.MongoDatabase})
	}
	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		stream, err := pulse.New(pulse.Options{Redis: rdb, StreamMaxLen: 1000})
		if err != nil {
			return fmt.Errorf("create report stream: %w", err)
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithSinks(stream))
		log.Print(ctx, log.KV{K: "msg", V: "report stream enabled"})
	}
	dispatcher := dispatch.New(st.Subscriptions(), resolver, registry, dispatchOpts...)

	timer := scheduletemporal.New(temporalClient, cfg.TaskQueue, workflow.ReminderWorkflowName)
	schedules := schedule.NewRegistry(timer)
	acts := activity.New(st, schedules, dispatcher)

	w := worker.New(temporalClient, cfg.TaskQueue, worker.Options{
		BackgroundActivityContext: ctx,
	})
	w.RegisterWorkflowWithOptions(workflow.Event, sdkworkflow.RegisterOptions{Name: workflow.EventWorkflowName})
	w.RegisterWorkflowWithOptions(workflow.Reminder, sdkworkflow.RegisterOptions{Name: workflow.ReminderWorkflowName})
	w.RegisterActivity(acts)

	log.Print(ctx, log.KV{K: "msg", V: "worker starting"},
		log.KV{K: "task_queue", V: cfg.TaskQueue},
		log.KV{K: "temporal", V: cfg.TemporalAddress})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	interrupt := make(chan interface{})
	go func() {
		sig := <-stop
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})
		close(interrupt)
	}()

	if err := w.Run(interrupt); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}

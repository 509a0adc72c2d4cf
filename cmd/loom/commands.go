package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/loomrun/loom/pkg/channels/kafka"
	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/log"
	"github.com/loomrun/loom/pkg/otelhelper"
	"github.com/loomrun/loom/pkg/registry"
	"github.com/loomrun/loom/pkg/runtime"
	"github.com/loomrun/loom/pkg/telemetry"
)

const serviceName = "loom"

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "Preferred snapshot backend (embedded, shared)",
			Value:   "embedded",
			Sources: cli.EnvVars("BACKEND_KIND"),
		},
		&cli.StringFlag{
			Name:    "database-path",
			Usage:   "SQLite database file for the embedded backend",
			Value:   "loom.db",
			Sources: cli.EnvVars("DATABASE_PATH"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Postgres connection URL for the shared backend",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
	}
}

func providerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "cli-binary",
			Usage:   "Binary for the subprocess-cli provider",
			Value:   "claude",
			Sources: cli.EnvVars("LOOM_CLI_BINARY"),
		},
		&cli.StringFlag{
			Name:    "wire-url",
			Usage:   "Websocket URL for the session-protocol provider",
			Sources: cli.EnvVars("LOOM_WIRE_URL"),
		},
		&cli.StringFlag{
			Name:    "http-endpoint",
			Usage:   "Endpoint URL for the http-completion provider",
			Sources: cli.EnvVars("LOOM_HTTP_ENDPOINT"),
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a workflow for one thread",
		Flags: append(append([]cli.Flag{
			&cli.StringFlag{
				Name:     "workflow",
				Aliases:  []string{"w"},
				Usage:    "Path to the workflow definition file",
				Required: true,
				Sources:  cli.EnvVars("WORKFLOW_FILE"),
			},
			&cli.StringFlag{
				Name:    "thread-id",
				Usage:   "Thread to execute or resume (auto-generated if not provided)",
				Sources: cli.EnvVars("THREAD_ID"),
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "Initial state as a JSON object",
				Value: "{}",
			},
			&cli.StringFlag{
				Name:    "telemetry",
				Usage:   "Telemetry sink (log, kafka, none)",
				Value:   "log",
				Sources: cli.EnvVars("TELEMETRY_SINK"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list for the kafka sink",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces",
				Sources: cli.EnvVars("LOOM_TRACING"),
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Hot-reload the workflow definition on file changes",
			},
		}, backendFlags()...), providerFlags()...),
		Action: runAction,
	}
}

func runAction(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	threadID := command.String("thread-id")
	if threadID == "" {
		threadID = "thread-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("loom").With("thread_id", threadID)

	var input map[string]any

	err := json.Unmarshal([]byte(command.String("input")), &input)
	if err != nil {
		return fmt.Errorf("invalid --input JSON: %w", err)
	}

	emitter, err := buildEmitter(command)
	if err != nil {
		return err
	}

	defer func() {
		err := emitter.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close telemetry emitter", "error", err)
		}
	}()

	opts := []runtime.Option{}

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		opts = append(opts, runtime.WithTracer(tracer))
	}

	rt := runtime.New(logger, emitter, runtime.Config{
		WorkflowPath: command.String("workflow"),
		Backend:      backendConfig(command),
		Providers:    providerDefaults(command),
	}, opts...)

	err = rt.LoadWorkflow()
	if err != nil {
		return err
	}

	if command.Bool("watch") {
		go func() {
			err := rt.Watch(ctx)
			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "Workflow watcher stopped", "error", err)
			}
		}()
	}

	result, err := rt.Execute(ctx, threadID, input)
	if err != nil {
		return err
	}

	if result.Degraded() {
		logger.WarnContext(ctx, "Execution ran against the embedded fallback store",
			"backend_kind", result.BackendKind)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(result.State)
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a workflow definition without executing it",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "workflow",
				Aliases:  []string{"w"},
				Usage:    "Path to the workflow definition file",
				Required: true,
				Sources:  cli.EnvVars("WORKFLOW_FILE"),
			},
		}, providerFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("loom")

			rt := runtime.New(logger, telemetry.NewNullEmitter(), runtime.Config{
				WorkflowPath: command.String("workflow"),
				Providers:    providerDefaults(command),
			})

			err := rt.LoadWorkflow()
			if err != nil {
				return err
			}

			def, _ := rt.Definition()
			fmt.Printf("workflow %q is valid (%d nodes, %d agents)\n",
				def.Name, len(def.Nodes), len(def.Agents))

			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Print the snapshot trail of a thread",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "thread-id",
				Usage:    "Thread to inspect",
				Required: true,
				Sources:  cli.EnvVars("THREAD_ID"),
			},
		}, backendFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("loom")

			rt := runtime.New(logger, telemetry.NewNullEmitter(), runtime.Config{
				Backend: backendConfig(command),
			})

			snapshots, err := rt.History(ctx, command.String("thread-id"))
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(os.Stdout)

			for _, snapshot := range snapshots {
				err = encoder.Encode(snapshot)
				if err != nil {
					return err
				}
			}

			return nil
		},
	}
}

func backendConfig(command *cli.Command) checkpoint.Config {
	return checkpoint.Config{
		Kind:        checkpoint.Kind(command.String("backend")),
		Path:        command.String("database-path"),
		DatabaseURL: command.String("database-url"),
	}
}

func providerDefaults(command *cli.Command) registry.ProviderDefaults {
	return registry.ProviderDefaults{
		CLIBinary:    command.String("cli-binary"),
		WireURL:      command.String("wire-url"),
		HTTPEndpoint: command.String("http-endpoint"),
	}
}

func buildEmitter(command *cli.Command) (telemetry.Emitter, error) {
	logger := log.WithModule("telemetry")

	switch command.String("telemetry") {
	case "none":
		return telemetry.NewNullEmitter(), nil
	case "log":
		return telemetry.NewLogEmitter(logger), nil
	case "kafka":
		brokers := strings.Split(command.String("kafka-brokers"), ",")

		publisher, _, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return telemetry.NewBusEmitter(publisher, logger), nil
	default:
		return nil, fmt.Errorf("unknown telemetry sink %q", command.String("telemetry"))
	}
}

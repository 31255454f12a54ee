package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/embermill/conductor/internal/config"
	"github.com/embermill/conductor/internal/logbook"
	"github.com/embermill/conductor/internal/orchestrator"
	"github.com/embermill/conductor/internal/task"
	"github.com/embermill/conductor/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "conductor.yaml", "path to the YAML options file (missing file uses defaults)")
	logPath := flag.String("log", "", "append the logbook to this file instead of stderr")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	action := flag.String("action", "", "submit one task with this action and exit")
	description := flag.String("description", "", "task description used for complexity scoring")
	priorityName := flag.String("priority", "medium", "task priority: low, medium, high, critical")
	category := flag.String("category", string(task.CategoryGeneral), "task category")
	sensitive := flag.Bool("sensitive", false, "mark the submission as containing sensitive data")
	flag.Parse()

	if strings.TrimSpace(*action) == "" {
		die("--action is required")
	}
	priority, err := parsePriority(*priorityName)
	if err != nil {
		die("%v", err)
	}

	opts, err := config.Load(*configPath)
	if err != nil {
		die("load config: %v", err)
	}

	log := logbook.NewWriter(os.Stderr)
	if *logPath != "" {
		log, err = logbook.NewFile(*logPath)
		if err != nil {
			die("open logbook: %v", err)
		}
		defer log.Close()
	}

	containerOpts := []orchestrator.ContainerOption{orchestrator.WithLogbook(log)}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		containerOpts = append(containerOpts,
			orchestrator.WithTelemetryOptions(telemetry.WithRegistry(reg)))
		go serveMetrics(*metricsAddr, reg, log)
	}

	c, err := orchestrator.NewContainer(opts, containerOpts...)
	if err != nil {
		die("build container: %v", err)
	}
	registerBuiltinHandlers(c.Tasks)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Start(ctx); err != nil {
		die("start: %v", err)
	}
	defer c.Stop()

	orch, err := orchestrator.New(c)
	if err != nil {
		die("build orchestrator: %v", err)
	}

	created, err := c.Tasks.Create(task.Intent{
		Action:      *action,
		Description: *description,
		Priority:    priority,
		Category:    task.Category(*category),
	})
	if err != nil {
		die("create task: %v", err)
	}
	result, err := orch.ExecuteTask(ctx, created, *sensitive)
	if err != nil {
		die("execute task: %v", err)
	}

	fmt.Printf("Task %s finished in %s\n", created.ID, result.Duration)
	if result.Success {
		fmt.Printf("Output: %s\n", result.Output)
	} else if result.Degraded {
		fmt.Printf("Degraded: %s\n", result.FailureReason)
	} else {
		fmt.Printf("Failed: %s\n", result.FailureReason)
	}

	health := orch.Health()
	fmt.Printf("Health: %s (breaker=%s queue=%d%% backlog=%.0f%% success=%.2f)\n",
		health.Verdict, health.BreakerState, int(health.QueueUtilization),
		health.QueueBacklog, health.SuccessRate)
	stats := c.Telemetry.Statistics()
	fmt.Printf("Telemetry: %d decisions, %d operations, median latency %s\n",
		stats.RoutingDecisions, stats.Operations, stats.MedianLatency)

	if !result.Success && !result.Degraded {
		os.Exit(1)
	}
}

// registerBuiltinHandlers installs a minimal handler per category so a bare
// binary can execute submissions. Embedding applications replace these with
// real integrations.
func registerBuiltinHandlers(m *task.Manager) {
	echo := func(_ context.Context, tk *task.Task, _ *task.ExecutionContext) (string, error) {
		return fmt.Sprintf("acknowledged %q at %s", tk.Name, time.Now().Format(time.RFC3339)), nil
	}
	for _, category := range []task.Category{
		task.CategoryGeneral,
		task.CategoryReminder,
		task.CategoryAnalysis,
		task.CategoryCommunication,
		task.CategoryAutomation,
	} {
		if err := m.RegisterHandler(category, echo); err != nil {
			die("register %s handler: %v", category, err)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logbook.Logbook) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("conductor: serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("conductor: metrics server: %v", err)
	}
}

func parsePriority(name string) (task.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return task.PriorityLow, nil
	case "medium", "":
		return task.PriorityMedium, nil
	case "high":
		return task.PriorityHigh, nil
	case "critical":
		return task.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", name)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

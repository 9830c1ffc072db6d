// Command verigate runs the zero-trust verification gateway: an HTTP
// decision endpoint, a Prometheus metrics endpoint, a liveness/readiness
// health mux, and a chain-verification admin subcommand, wired together the
// way cmd/helm wires its own server and health mux in the teacher lineage.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/casf-io/verigate/pkg/antireplay"
	"github.com/casf-io/verigate/pkg/audit"
	"github.com/casf-io/verigate/pkg/config"
	"github.com/casf-io/verigate/pkg/hashchain"
	"github.com/casf-io/verigate/pkg/metrics"
	"github.com/casf-io/verigate/pkg/orchestrator"
	"github.com/casf-io/verigate/pkg/policy"
	"github.com/casf-io/verigate/pkg/ratelimit"
	"github.com/casf-io/verigate/pkg/rules"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	if len(args) > 1 {
		switch args[1] {
		case "verify-chain":
			return runVerifyChain(stdout, stderr)
		case "serve", "":
			// fall through to server
		default:
			fmt.Fprintf(stderr, "unknown subcommand %q\n", args[1])
			return 1
		}
	}
	return runServer(stdout, stderr)
}

func runServer(stdout, stderr *os.File) int {
	logger := slog.New(slog.NewJSONHandler(stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration failed to load", "error", err)
		return 1
	}

	db, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("database unreachable at startup", "error", err)
		return 1
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddrFromURL(cfg.RedisURL)})
	defer redisClient.Close()

	writer := audit.NewPostgresWriter(db, logger)
	gate := antireplay.New(redisClient, antireplay.Config{
		TTL:     time.Duration(cfg.AntiReplayTTLSeconds) * time.Second,
		Timeout: cfg.ReplayTimeout,
		Enabled: cfg.AntiReplayEnabled,
	})
	limiter := ratelimit.New(redisClient, cfg.ReplayTimeout)
	policyClient := policy.New(policy.Config{
		BaseURL: cfg.PolicyBaseURL,
		Path:    cfg.PolicyPath,
		Timeout: cfg.PolicyTimeout,
	})

	registry := defaultToolRegistry()
	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	orch := orchestrator.New(registry)
	orch.SetGate(gate)
	orch.SetLimiter(limiter)
	orch.SetPolicyClient(policyClient)
	orch.SetWriter(writer)
	orch.SetMetrics(metricsRegistry)
	orch.SetLogger(logger)

	schema, err := compileIngressSchema()
	if err != nil {
		logger.Error("failed to compile ingress schema", "error", err)
		return 1
	}

	router := chi.NewRouter()
	router.Post("/v1/verify", verifyHandler(orch, schema, logger))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/livez", livenessHandler)
	healthMux.HandleFunc("/readyz", readinessHandler(db, redisClient, cfg.PolicyBaseURL))

	mainSrv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
	healthSrv := &http.Server{Addr: ":" + cfg.HealthPort, Handler: healthMux}

	go func() {
		logger.Info("verify endpoint listening", "addr", mainSrv.Addr)
		if err := mainSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("verify server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("metrics endpoint listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("health endpoints listening", "addr", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mainSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
	healthSrv.Shutdown(shutdownCtx)

	return 0
}

func defaultToolRegistry() *rules.Registry {
	return rules.NewRegistry([]rules.ToolDescriptor{
		{Name: "list_appointments", Kind: rules.ToolRead, AllowedOutputs: []string{"appointment_list"}},
		{Name: "create_appointment", Kind: rules.ToolWrite, AllowedOutputs: []string{"appointment_id"}},
		{Name: "cancel_appointment", Kind: rules.ToolWrite, AllowedOutputs: []string{"cancellation_receipt"}},
		{Name: "send_sms", Kind: rules.ToolWrite, AllowedOutputs: []string{"message_id"}},
		{Name: "read_chart", Kind: rules.ToolRead, AllowedOutputs: []string{"chart_snapshot"}},
	}, []string{"receptionist", "clinician", "admin"})
}

const ingressSchemaJSON = `{
	"type": "object",
	"required": ["request_id", "tool", "mode", "role", "subject", "context"],
	"properties": {
		"request_id": {"type": "string"},
		"tool": {"type": "string"},
		"mode": {"type": "string"},
		"role": {"type": "string"},
		"subject": {
			"type": "object",
			"required": ["patient_id"],
			"properties": {"patient_id": {"type": "string"}}
		},
		"context": {
			"type": "object",
			"required": ["tenant_id"],
			"properties": {"tenant_id": {"type": "string"}}
		},
		"args": {"type": "object"}
	}
}`

func compileIngressSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("verify-request.json", strings.NewReader(ingressSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile("verify-request.json")
}

func verifyHandler(orch *orchestrator.Orchestrator, schema *jsonschema.Schema, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw interface{}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if err := schema.Validate(raw); err != nil {
			http.Error(w, fmt.Sprintf("schema validation failed: %v", err), http.StatusBadRequest)
			return
		}

		body, err := json.Marshal(raw)
		if err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		var req orchestrator.VerifyRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		resp := orch.Process(r.Context(), req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("failed to encode verify response", "error", err)
		}
	}
}

func livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readinessHandler(db *sql.DB, redisClient redis.UniversalClient, policyBaseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "key-value store unreachable", http.StatusServiceUnavailable)
			return
		}
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(policyBaseURL + "/health")
		if err != nil || resp.StatusCode >= 500 {
			http.Error(w, "policy engine unreachable", http.StatusServiceUnavailable)
			return
		}
		resp.Body.Close()

		w.WriteHeader(http.StatusOK)
	}
}

func runVerifyChain(stdout, stderr *os.File) int {
	logger := slog.New(slog.NewJSONHandler(stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration failed to load", "error", err)
		return 1
	}

	db, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT request_id, event_id, ts, actor, action, decision, payload, prev_hash, hash
		FROM audit_events ORDER BY id ASC
	`)
	if err != nil {
		logger.Error("failed to query audit events", "error", err)
		return 1
	}
	defer rows.Close()

	var events []hashchain.Event
	var storedHashes []string
	for rows.Next() {
		var (
			requestID, eventID, actor, action, decision, prevHash, hash string
			ts                                                          time.Time
			payloadRaw                                                  []byte
		)
		if err := rows.Scan(&requestID, &eventID, &ts, &actor, &action, &decision, &payloadRaw, &prevHash, &hash); err != nil {
			logger.Error("failed to scan audit event", "error", err)
			return 1
		}
		var payload interface{}
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			logger.Error("failed to decode audit payload", "error", err)
			return 1
		}
		events = append(events, hashchain.Event{
			RequestID: requestID,
			EventID:   eventID,
			Timestamp: ts,
			Actor:     actor,
			Action:    action,
			Decision:  decision,
			Payload:   payload,
			PrevHash:  prevHash,
		})
		storedHashes = append(storedHashes, hash)
	}

	result, err := hashchain.VerifyChainAgainstStored(events, storedHashes)
	if err != nil {
		logger.Error("chain verification failed to run", "error", err)
		return 1
	}
	if !result.OK {
		fmt.Fprintf(stderr, "chain verification FAILED at index %d: %s\n", result.MismatchIndex, result.Reason)
		return 1
	}

	fmt.Fprintf(stdout, "chain verification OK: %d events\n", len(events))
	return 0
}

func redisAddrFromURL(url string) string {
	// redis://host:port/db -> host:port. The gateway only needs a plain
	// address for redis.Options.Addr; auth and db-select URLs are not a
	// documented configuration surface for this deployment shape.
	const schemePrefix = "redis://"
	trimmed := url
	if len(trimmed) > len(schemePrefix) && trimmed[:len(schemePrefix)] == schemePrefix {
		trimmed = trimmed[len(schemePrefix):]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i]
		}
	}
	return trimmed
}

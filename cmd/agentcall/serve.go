package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/silviot/agentcall/pkg/session"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control API",
	Long: `Serve the call control API:

  POST /api/v1/call/start         start a call, returns once it is active
  POST /api/v1/call/leave         leave the current call
  GET  /api/v1/call/state         session and agent state with counters
  GET  /api/v1/call/conversation  the conversation so far
  POST /api/v1/call/chat          send {"text": "..."} to the agent
  GET  /healthz                   liveness
  GET  /metrics                   Prometheus counters`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.orchestrator()
		if err != nil {
			return err
		}

		// Warm the token cache so the first call starts faster
		go o.Prefetch(context.Background())

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		server := &http.Server{
			Addr:    ":" + port,
			Handler: newMux(o),
		}

		go func() {
			logger.Info("HTTP server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutdown signal received, gracefully shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if err := o.Leave(ctx); err != nil {
			logger.Error("failed to leave call on shutdown", "error", err)
		}

		logger.Info("agentcall service stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "8080", "HTTP server port")
}

func newMux(o *session.Orchestrator) *http.ServeMux {
	mux := http.NewServeMux()
	o.Routes(mux)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"state":     o.State(),
			"timestamp": time.Now().Unix(),
		})
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(w, o.State(), o.Stats())
	})
	return mux
}

func writeMetrics(w io.Writer, state session.State, st session.Stats) {
	active := 0
	if state == session.Active {
		active = 1
	}
	gauge := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %d\n", name, v)
	}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n", name, v)
	}

	gauge("agentcall_call_active", "Whether a call is active", int64(active))
	gauge("agentcall_session_state", "Current session state (0 idle, 3 active)", int64(state))
	counter("agentcall_call_attempts_total", "Call attempts started", st.Attempts)
	counter("agentcall_calls_activated_total", "Call attempts that became active", st.Activated)
	counter("agentcall_calls_failed_total", "Call attempts that failed", st.Failed)
	counter("agentcall_transcripts_persisted_total", "Conversations saved", st.Persisted)
	counter("agentcall_transcript_persist_failures_total", "Conversations that could not be saved", st.PersistFailures)
	counter("agentcall_chat_events_dropped_total", "Chat events dropped as unattributable", st.DroppedChatEvents)
}

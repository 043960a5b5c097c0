package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/config"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/testutil"
)

// loadConfig writes a config file into a temp dir with its database there
func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf("database:\n  path: %s\nhttp:\n  addr: 127.0.0.1:0\nlog:\n  level: warn\n%s",
		filepath.Join(dir, "jobs.db"), body)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) (*app, *httptest.Server) {
	t.Helper()
	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.shutdown(ctx)
	})

	server := httptest.NewServer(a.server.Handler)
	t.Cleanup(server.Close)
	return a, server
}

func pingTarget(t *testing.T) *httptest.Server {
	t.Helper()
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(target.Close)
	return target
}

func TestApp_ConfiguredJobsAndMetrics(t *testing.T) {
	target := pingTarget(t)
	cfg := loadConfig(t, fmt.Sprintf(`
jobs:
  - name: portal-health
    cron: "*/5 * * * *"
    handler_service: http
    handler_method: ping
    tags: [infra]
    config:
      url: %s/health
      expected_status: 200
`, target.URL))

	a, server := startApp(t, cfg)
	ctx := context.Background()

	job, err := a.scheduler.GetJobStatus(ctx, "portal-health")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, []string{"infra"}, job.Tags)

	// system jobs are registered on start
	jobs, err := a.scheduler.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	exec, err := a.scheduler.RunJob(ctx, "portal-health", "tester")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusSuccess, exec.Status, exec.ErrorMessage)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `jobscheduler_executions_total{job="portal-health",status="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestApp_NATSAlertsToWebhook(t *testing.T) {
	nc, _, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	received := make(chan model.Alert, 4)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert model.Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err == nil {
			received <- alert
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(webhook.Close)

	target := pingTarget(t)
	cfg := loadConfig(t, fmt.Sprintf(`
nats:
  enabled: true
  url: %s
alerts:
  webhook_url: %s
jobs:
  - name: lab-results-import
    cron: "0 * * * *"
    handler_service: http
    handler_method: ping
    max_retries: 0
    config:
      url: %s/down
`, nc.ConnectedUrl(), webhook.URL, target.URL))

	a, _ := startApp(t, cfg)
	require.NotNil(t, a.publisher)

	exec, err := a.scheduler.RunJob(context.Background(), "lab-results-import", "tester")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)

	select {
	case alert := <-received:
		assert.Equal(t, model.AlertTypeJobFailure, alert.Type)
		assert.Equal(t, "lab-results-import", alert.JobName)
		assert.Equal(t, exec.ID, alert.ExecutionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no alert delivered to webhook")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	target := pingTarget(t)
	cfg := loadConfig(t, fmt.Sprintf(`
alerts:
  enabled: false
jobs:
  - name: portal-health
    cron: "0 8 * * 1-5"
    handler_service: http
    handler_method: ping
    config:
      url: %s/health
  - name: fax-gateway
    cron: "*/10 * * * *"
    handler_service: http
    handler_method: ping
    max_retries: 0
    config:
      url: %s/down
`, target.URL, target.URL))
	_, server := startApp(t, cfg)

	out, err := execute(t, "jobs", "--server", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "HELD BY")
	assert.Contains(t, out, "portal-health")
	assert.Contains(t, out, "fax-gateway")

	out, err = execute(t, "run", "portal-health", "--server", server.URL, "--user", "front-desk")
	require.NoError(t, err)
	assert.Contains(t, out, "success")

	out, err = execute(t, "run", "fax-gateway", "--server", server.URL)
	require.Error(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "503")

	out, err = execute(t, "history", "portal-health", "--server", server.URL, "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "STARTED")
	assert.Contains(t, out, "manual")

	out, err = execute(t, "pause", "portal-health", "--server", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Paused portal-health")

	out, err = execute(t, "resume", "portal-health", "--server", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Resumed portal-health")

	_, err = execute(t, "pause", "unknown", "--server", server.URL)
	assert.ErrorContains(t, err, "404")

	_, err = execute(t, "run", "--server", server.URL)
	assert.Error(t, err)
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", serverURL(":8080"))
	assert.Equal(t, "http://scheduler.internal:9000", serverURL("scheduler.internal:9000"))
}

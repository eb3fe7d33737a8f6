package preflight

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagequery/sagequery/internal/config"
)

func tagsServer(t *testing.T, models ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[`))
		for i, m := range models {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			_, _ = w.Write([]byte(`{"name":"` + m + `"}`))
		}
		_, _ = w.Write([]byte(`]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckDataDirCreatesAndProbes(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	r := New(cfg).CheckDataDir()
	assert.Equal(t, StatusPass, r.Status)
	assert.True(t, r.Required)
	assert.DirExists(t, cfg.DataDir)
}

func TestCheckDiskSpaceOnMissingDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "does-not-exist-yet")

	// Falls back to the parent when the data dir has not been created.
	r := New(cfg).CheckDiskSpace(cfg.DataDir)
	assert.Equal(t, StatusPass, r.Status)
	assert.Contains(t, r.Message, "free")
}

func TestCheckEmbeddingServiceModelPresent(t *testing.T) {
	srv := tagsServer(t, "bge-m3:latest", "llama3.1:8b")

	cfg := config.Default()
	cfg.Embedding.Host = srv.URL

	r := New(cfg).CheckEmbeddingService(context.Background())
	assert.Equal(t, StatusPass, r.Status)
	assert.Contains(t, r.Message, "bge-m3")
}

func TestCheckEmbeddingServiceModelMissing(t *testing.T) {
	srv := tagsServer(t, "llama3.1:8b")

	cfg := config.Default()
	cfg.Embedding.Host = srv.URL

	r := New(cfg).CheckEmbeddingService(context.Background())
	assert.Equal(t, StatusWarn, r.Status)
	assert.Contains(t, r.Message, "not found")
}

func TestCheckEmbeddingServiceUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Host = "http://127.0.0.1:1"

	r := New(cfg).CheckEmbeddingService(context.Background())
	assert.Equal(t, StatusFail, r.Status)
	assert.True(t, r.IsCritical())
}

func TestCheckGenerationServiceUnreachableIsWarning(t *testing.T) {
	cfg := config.Default()
	cfg.Generator.Host = "http://127.0.0.1:1"

	r := New(cfg).CheckGenerationService(context.Background())
	assert.Equal(t, StatusWarn, r.Status)
	assert.False(t, r.IsCritical())
}

func TestCheckRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Cache.RedisAddr = mr.Addr()

	r := New(cfg).CheckRedis(context.Background())
	assert.Equal(t, StatusPass, r.Status)

	mr.Close()
	r = New(cfg).CheckRedis(context.Background())
	assert.Equal(t, StatusWarn, r.Status)
}

func TestSummaryStatus(t *testing.T) {
	c := New(config.Default())

	assert.Equal(t, "ready", c.SummaryStatus([]CheckResult{
		{Status: StatusPass, Required: true},
	}))
	assert.Equal(t, "ready_with_warnings", c.SummaryStatus([]CheckResult{
		{Status: StatusPass, Required: true},
		{Status: StatusWarn},
	}))
	assert.Equal(t, "failed", c.SummaryStatus([]CheckResult{
		{Status: StatusFail, Required: true},
	}))
	assert.True(t, c.HasCriticalFailures([]CheckResult{
		{Status: StatusFail, Required: true},
	}))
}

func TestPrintResultsVerbose(t *testing.T) {
	var buf bytes.Buffer
	c := New(config.Default(), WithVerbose(true), WithOutput(&buf))

	c.PrintResults([]CheckResult{
		{Name: "data_dir", Status: StatusPass, Message: "writable", Required: true},
		{Name: "redis", Status: StatusWarn, Message: "unreachable", Details: "check redis_addr"},
	})

	out := buf.String()
	require.Contains(t, out, "SageQuery System Check")
	assert.Contains(t, out, "[PASS] data_dir")
	assert.Contains(t, out, "[WARN] redis")
	assert.Contains(t, out, "check redis_addr")
	assert.Contains(t, out, "Status: READY_WITH_WARNINGS")
	assert.Contains(t, out, "1 warning(s)")
}

package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mdakk072/scrapperManager/internal/log"
	"github.com/mdakk072/scrapperManager/internal/model"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := log.ContextAttrs(t.Context(), slog.String("profile", "cars"))
	child := log.ContextAttrs(ctx, slog.String("worker_id", "42"))
	logger.InfoContext(child, "started")
	logger.InfoContext(ctx, "parent")

	dec := json.NewDecoder(&buf)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	require.Equal(t, "cars", first["profile"])
	require.Equal(t, "42", first["worker_id"])
	require.Equal(t, "cars", second["profile"])
	require.NotContains(t, second, "worker_id")
}

func TestNewFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	logger, closer, err := log.New(model.Log{
		Level:  model.LogLevelWarn,
		Format: model.LogFormatText,
		File:   true,
		Path:   path,
	}, false)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "profile", "cars")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(b), "hidden")
	require.Contains(t, string(b), "msg=shown profile=cars")
}

func TestLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, slog.LevelDebug, log.Level("debug"))
	require.Equal(t, slog.LevelWarn, log.Level("warn"))
	require.Equal(t, slog.LevelError, log.Level("error"))
	require.Equal(t, slog.LevelInfo, log.Level("info"))
	require.Equal(t, slog.LevelInfo, log.Level("loud"))
}

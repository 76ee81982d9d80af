package service_test

import (
	"path/filepath"
	"testing"

	"github.com/mdakk072/scrapperManager/internal/model"
	"github.com/mdakk072/scrapperManager/internal/service"

	"github.com/stretchr/testify/require"
)

func TestNewCommand(t *testing.T) {
	t.Setenv("SCRAPPER_TEST_HOME", "/home/scraper")
	cfg := model.Worker{
		Path: filepath.Join("venv", "bin", "python"),
		Args: []string{"main.py"},
		Env: map[string]string{
			"home":    "$SCRAPPER_TEST_HOME",
			"godebug": "x509negativeserial=1",
		},
	}

	cmd := service.NewCommand("/opt/cars", cfg)
	require.Equal(t, filepath.Join("/opt/cars", "venv", "bin", "python"), cmd.Path)
	require.Equal(t, "/opt/cars", cmd.Dir)
	require.Equal(t, []string{"main.py"}, cmd.Args)
	require.Equal(t, []string{"GODEBUG=x509negativeserial=1", "HOME=/home/scraper"}, cmd.Env)

	t.Run("bare name is looked up in PATH", func(t *testing.T) {
		cmd := service.NewCommand("/opt/cars", model.Worker{Path: "python3"})
		require.Equal(t, "python3", cmd.Path)
	})

	t.Run("for", func(t *testing.T) {
		run := cmd.For("configs/cars.yaml", "1234", "tcp://127.0.0.1:40000")
		require.Equal(t, []string{
			"main.py",
			"-c", "configs/cars.yaml",
			"-i", "1234",
			"-p", "tcp://127.0.0.1:40000",
		}, run.Args)
		// the prototype is untouched
		require.Equal(t, []string{"main.py"}, cmd.Args)
	})
}

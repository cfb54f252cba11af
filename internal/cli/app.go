package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"transpad/internal/config"
	"transpad/internal/prefs"
)

const prefsFileName = "prefs.db"

// app is what every command needs: configuration, preferences and a logger.
type app struct {
	cfgPath string
	store   *config.Store
	prefs   *prefs.Store
	logger  *zap.Logger
	http    *http.Client
}

// openApp loads configuration. With persist set, config changes made
// through the store are written back to disk. quiet drops logs unless a
// log file was given, for hosts that own the terminal.
func (g *globalOptions) openApp(persist, quiet bool) (*app, error) {
	logger, err := newLogger(g.LogLevel, g.LogFile, quiet, g.stderr)
	if err != nil {
		return nil, err
	}

	path := g.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	savePath := ""
	if persist {
		savePath = path
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	p, err := prefs.Open(filepath.Join(cfg.DataDir, prefsFileName))
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		zap.String("path", path),
		zap.String("service", cfg.ActiveService),
		zap.String("data_dir", cfg.DataDir),
	)
	return &app{
		cfgPath: path,
		store:   config.NewStore(cfg, savePath),
		prefs:   p,
		logger:  logger,
		http:    &http.Client{},
	}, nil
}

func (a *app) Close() {
	if err := a.prefs.Close(); err != nil {
		a.logger.Warn("close preferences", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newLogger(level, file string, quiet bool, stderr io.Writer) (*zap.Logger, error) {
	if file == "" && quiet {
		return zap.NewNop(), nil
	}

	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}

	if file == "" {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		return zap.New(zapcore.NewCore(enc, zapcore.AddSync(stderr), lvl)), nil
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{file}
	cfg.ErrorOutputPaths = []string{file}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

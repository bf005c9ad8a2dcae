package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/omgasolutions/omrcam/internal/capture"
	"github.com/omgasolutions/omrcam/internal/grading"
	"github.com/omgasolutions/omrcam/internal/handler"
	appI18n "github.com/omgasolutions/omrcam/internal/i18n"
	"github.com/omgasolutions/omrcam/internal/imaging"
	"github.com/omgasolutions/omrcam/internal/model"
	"github.com/omgasolutions/omrcam/internal/quality"
	"github.com/omgasolutions/omrcam/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "omrcam",
		Short: "Guided camera capture and grading of multiple-choice answer sheets",
	}

	serve := serveCmd()
	root.AddCommand(serve, captureCmd(), gradeCmd(), devicesCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `omrcam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addCaptureFlags(cmd *cobra.Command) {
	th := quality.DefaultThresholds()
	f := cmd.Flags()
	f.String("camera-url", "", "URL of a single MJPEG camera (overrides the cameras config list)")
	f.String("facing", string(model.FacingEnvironment), "Preferred camera facing mode (environment, user)")
	f.String("device", "", "Device ID to open")
	f.String("mode", string(model.ModeAuto), "Capture mode (auto, manual)")
	f.Duration("settle-delay", capture.DefaultSettleDelay, "Delay between opening the camera and the first quality check")
	f.Duration("sample-interval", capture.DefaultSampleInterval, "Interval between quality checks")
	f.Duration("connect-timeout", 10*time.Second, "Camera connect timeout")
	f.Int("stride", quality.DefaultStride, "Pixel stride of the quality sample grid")
	f.Float64("min-brightness", th.MinBrightness, "Minimum acceptable mean brightness")
	f.Float64("max-brightness", th.MaxBrightness, "Maximum acceptable mean brightness")
	f.Float64("max-imbalance", th.MaxImbalance, "Maximum acceptable half-to-half brightness imbalance")
	f.Bool("auto-scale-imbalance", false, "Scale the imbalance threshold to the frame size")
	f.Int("min-image-bytes", 5000, "Reject captured stills smaller than this many bytes")
	f.Int("jpeg-quality", imaging.DefaultQuality, "JPEG quality of captured stills")
}

func addGradeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("grader-url", grading.DefaultBaseURL, "Base URL of the grading service")
	f.Duration("grade-timeout", grading.DefaultTimeout, "Grading request timeout")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP capture and grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "omrcam.db", "SQLite database path")
	f.StringP("lang", "l", "en", "Default UI language (en, ar)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /omr)")
	f.Bool("require-auth", false, "Require HTTP basic auth on the API")
	f.String("admin-password", "", "Initial admin password (or set OMRCAM_ADMIN_PASSWORD)")
	f.String("chat-backend", "echo", "Chat backend (echo, remote, llm, none)")
	f.String("chat-url", grading.DefaultBaseURL, "Base URL of the remote chat service")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llava", "LLM model name")
	f.Int64("max-upload-bytes", 20<<20, "Maximum accepted upload size")
	addCaptureFlags(cmd)
	addGradeFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export grading history as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "omrcam.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("OMRCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("omrcam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/omrcam")
	v.AddConfigPath("/etc/omrcam")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	requireAuth := v.GetBool("require-auth")
	if requireAuth {
		if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	devices, err := devicesFromConfig(v)
	if err != nil {
		return err
	}
	cam, sess, err := buildSession(v, devices, &capture.OverlayState{}, db)
	if err != nil {
		return err
	}
	defer sess.Close()

	client := grading.NewClient(v.GetString("grader-url"), v.GetDuration("grade-timeout"))
	pipeline := grading.NewPipeline(client, sess, db)

	answerer, err := buildAnswerer(v)
	if err != nil {
		return err
	}

	h, err := handler.New(db, cam, sess, pipeline, answerer, handler.Config{
		RequireAuth:    requireAuth,
		MaxUploadBytes: v.GetInt64("max-upload-bytes"),
		Facing:         model.Facing(v.GetString("facing")),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"cameras", len(devices),
		"mode", sess.Mode(),
		"grader_url", client.BaseURL(),
		"chat_backend", v.GetString("chat-backend"),
		"require_auth", requireAuth,
		"base_path", basePath,
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportHistory()
	if err != nil {
		return fmt.Errorf("export history: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported grading history", "records", export.Count, "output", outPath)
	return nil
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.OperatorCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required with --require-auth: set --admin-password flag or OMRCAM_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateOperator(model.Operator{
		Username:     "admin",
		PasswordHash: string(hash),
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin operator: %w", err)
	}

	slog.Info("seeded default admin operator", "username", "admin")
	return nil
}

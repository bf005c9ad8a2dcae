package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omgasolutions/omrcam/internal/camera"
	"github.com/omgasolutions/omrcam/internal/capture"
	"github.com/omgasolutions/omrcam/internal/chat"
	"github.com/omgasolutions/omrcam/internal/grading"
	appI18n "github.com/omgasolutions/omrcam/internal/i18n"
	"github.com/omgasolutions/omrcam/internal/imaging"
	"github.com/omgasolutions/omrcam/internal/model"
	"github.com/omgasolutions/omrcam/internal/quality"
	"github.com/omgasolutions/omrcam/internal/store"
)

func captureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one answer sheet from a camera and optionally grade it",
		RunE:  runCapture,
	}
	f := cmd.Flags()
	f.StringP("output", "o", "sheet.jpg", "Where to write the captured JPEG")
	f.Duration("timeout", 2*time.Minute, "Give up if no sheet was captured in time")
	f.StringP("lang", "l", "en", "Language of printed hints (en, ar)")
	f.Bool("grade", false, "Submit the captured sheet for grading")
	f.String("db", "", "SQLite database to record the grading in (empty to skip)")
	addFormFlags(cmd)
	addCaptureFlags(cmd)
	addGradeFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade <image.jpg>",
		Short: "Grade an answer sheet image file",
		Args:  cobra.ExactArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.StringP("lang", "l", "en", "Language of error messages (en, ar)")
	f.String("db", "", "SQLite database to record the grading in (empty to skip)")
	addFormFlags(cmd)
	addGradeFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List configured cameras",
		RunE:  runDevices,
	}
	f := cmd.Flags()
	f.String("camera-url", "", "URL of a single MJPEG camera (overrides the cameras config list)")
	f.Bool("probe", false, "Open each camera and report its frame size")
	f.Duration("connect-timeout", 10*time.Second, "Camera connect timeout")
	addLogFlags(cmd)
	return cmd
}

func addFormFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("model-answers", "", "Comma-separated answer key (e.g. A,B,C,D)")
	f.Int("num-questions", 0, "Expected number of questions (0 to skip the check)")
	f.Int("options-per-question", 0, "Options per question (0 to let the grader decide)")
}

// devicesFromConfig reads the "cameras" list from the config file. A
// --camera-url flag replaces the list with that single device.
func devicesFromConfig(v *viper.Viper) ([]model.Device, error) {
	if u := v.GetString("camera-url"); u != "" {
		return []model.Device{{
			ID:     "default",
			Label:  u,
			Facing: model.Facing(v.GetString("facing")),
			URL:    u,
			Kind:   model.DeviceMJPEG,
		}}, nil
	}
	var devices []model.Device
	if err := v.UnmarshalKey("cameras", &devices); err != nil {
		return nil, fmt.Errorf("parse cameras config: %w", err)
	}
	for i := range devices {
		d := &devices[i]
		if d.URL == "" {
			return nil, fmt.Errorf("camera %d: url is required", i)
		}
		if d.ID == "" {
			d.ID = fmt.Sprintf("camera-%d", i)
		}
		if d.Kind == "" {
			d.Kind = model.DeviceMJPEG
		}
		if d.Kind != model.DeviceMJPEG && d.Kind != model.DeviceSnapshot {
			return nil, fmt.Errorf("camera %q: unknown kind %q", d.ID, d.Kind)
		}
	}
	return devices, nil
}

func thresholdsFromConfig(v *viper.Viper) (quality.Thresholds, error) {
	th := quality.Thresholds{
		MinBrightness: v.GetFloat64("min-brightness"),
		MaxBrightness: v.GetFloat64("max-brightness"),
		MaxImbalance:  v.GetFloat64("max-imbalance"),
	}
	if th.MinBrightness > th.MaxBrightness {
		return th, fmt.Errorf("min-brightness %.0f exceeds max-brightness %.0f", th.MinBrightness, th.MaxBrightness)
	}
	if th.MaxImbalance <= 0 {
		return th, fmt.Errorf("max-imbalance must be positive")
	}
	return th, nil
}

// buildSession wires camera, scheduler, coordinator and session from config.
func buildSession(v *viper.Viper, devices []model.Device, fx capture.Effects, st model.StateStore) (camera.Camera, *capture.Session, error) {
	th, err := thresholdsFromConfig(v)
	if err != nil {
		return nil, nil, err
	}
	mode := model.CaptureMode(v.GetString("mode"))
	if mode != model.ModeAuto && mode != model.ModeManual {
		return nil, nil, fmt.Errorf("unknown capture mode %q", mode)
	}

	cam := camera.NewHTTP(devices, v.GetDuration("connect-timeout"))

	analyzer := quality.NewAnalyzer(th)
	analyzer.AutoScale = v.GetBool("auto-scale-imbalance")
	sched := capture.NewScheduler(v.GetDuration("sample-interval"), quality.NewSampler(v.GetInt("stride")), analyzer)

	coord := capture.NewEffectCoordinator(fx)
	coord.JPEGQuality = v.GetInt("jpeg-quality")
	coord.MinImageBytes = v.GetInt("min-image-bytes")

	sess := capture.NewSession(cam, sched, coord, st, capture.Config{
		Mode:        mode,
		SettleDelay: v.GetDuration("settle-delay"),
	})
	return cam, sess, nil
}

func buildAnswerer(v *viper.Viper) (chat.Answerer, error) {
	switch backend := v.GetString("chat-backend"); backend {
	case "echo", "":
		return chat.Echo{}, nil
	case "remote":
		return chat.NewRemote(v.GetString("chat-url"), v.GetDuration("grade-timeout")), nil
	case "llm":
		return chat.NewLLM(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model")), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown chat backend %q", backend)
	}
}

func formFromConfig(v *viper.Viper) model.ExamForm {
	return model.ExamForm{
		ModelAnswers:       v.GetString("model-answers"),
		NumQuestions:       v.GetInt("num-questions"),
		OptionsPerQuestion: v.GetInt("options-per-question"),
	}
}

// openRecorder opens the history database when a path is configured.
func openRecorder(v *viper.Viper) (grading.Recorder, func(), error) {
	path := v.GetString("db")
	if path == "" {
		return nil, func() {}, nil
	}
	db, err := store.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return db, func() { db.Close() }, nil
}

func runCapture(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(v.GetString("lang")))

	form := formFromConfig(v)
	doGrade := v.GetBool("grade")
	if doGrade {
		// Catch a bad answer key before asking the user to point a camera.
		if err := grading.Validate(form, &model.CapturedImage{JPEG: []byte{0}}); err != nil {
			return errors.New(validationMessage(ctx, err))
		}
		fmt.Fprintln(os.Stderr, appI18n.Tp(ctx, "AnswersEntered", len(form.Answers())))
	}

	devices, err := devicesFromConfig(v)
	if err != nil {
		return err
	}
	_, sess, err := buildSession(v, devices, capture.TerminalEffects{W: os.Stderr}, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	var (
		mu   sync.Mutex
		last model.Guidance
	)
	sess.OnChange(func(st model.SessionStatus) {
		if st.Rejected && st.State == model.StatePreviewing {
			fmt.Fprintln(os.Stderr, appI18n.T(ctx, "ErrImageTooSmall"))
		}
		if st.Verdict == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if st.Verdict.Guidance != last {
			last = st.Verdict.Guidance
			fmt.Fprintln(os.Stderr, appI18n.Guidance(ctx, last))
		}
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	waitCtx, cancel := context.WithTimeout(sigCtx, v.GetDuration("timeout"))
	defer cancel()

	cons := camera.Constraints{
		FacingMode: model.Facing(v.GetString("facing")),
		DeviceID:   v.GetString("device"),
	}
	if err := sess.Start(waitCtx, cons); err != nil {
		return err
	}
	if sess.Mode() == model.ModeManual {
		fmt.Fprintln(os.Stderr, "Press Enter to capture...")
		// Every Enter snaps again, so a rejected still can be retaken.
		go func() {
			in := bufio.NewScanner(os.Stdin)
			for in.Scan() {
				if err := sess.Snap(); err != nil {
					slog.Debug("snap rejected", "error", err)
				}
			}
		}()
	}

	st, err := sess.Wait(waitCtx)
	if err != nil {
		_ = sess.Cancel()
		return fmt.Errorf("waiting for capture: %w", err)
	}
	if st.State != model.StateCaptured {
		if err := sess.Err(); err != nil {
			return fmt.Errorf("%s: %w", appI18n.State(ctx, st.State), err)
		}
		return errors.New(appI18n.State(ctx, st.State))
	}

	img := sess.Image()
	out := v.GetString("output")
	if err := os.WriteFile(out, img.JPEG, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	slog.Info("sheet captured", "output", out, "width", img.Width, "height", img.Height, "bytes", len(img.JPEG))

	if !doGrade {
		return nil
	}
	return submit(ctx, v, sess, img, form)
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(v.GetString("lang")))

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	id := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	if id == "" {
		id = uuid.NewString()
	}
	img := &model.CapturedImage{ID: id, JPEG: data, CapturedAt: time.Now()}
	if w, h, err := imaging.DecodeConfig(data); err == nil {
		img.Width, img.Height = w, h
	}
	return submit(ctx, v, nil, img, formFromConfig(v))
}

// submit grades img and prints the result as JSON on stdout.
func submit(ctx context.Context, v *viper.Viper, clearer grading.Clearer, img *model.CapturedImage, form model.ExamForm) error {
	recorder, closeRecorder, err := openRecorder(v)
	if err != nil {
		return err
	}
	defer closeRecorder()

	client := grading.NewClient(v.GetString("grader-url"), v.GetDuration("grade-timeout"))
	pipeline := grading.NewPipeline(client, clearer, recorder)

	result, err := pipeline.Submit(ctx, img, form)
	if err != nil {
		return errors.New(validationMessage(ctx, err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	fmt.Fprintln(os.Stderr, appI18n.T(ctx, "GradeSuccess"))
	return nil
}

// validationMessage localizes a submission error for the terminal.
func validationMessage(ctx context.Context, err error) string {
	var mismatch *grading.AnswerCountMismatchError
	var serverErr *grading.ServerError
	var transportErr *grading.TransportError
	switch {
	case errors.As(err, &mismatch):
		return appI18n.Td(ctx, "ErrAnswerCount", map[string]any{
			"Actual": mismatch.Actual, "Expected": mismatch.Expected,
		})
	case errors.Is(err, grading.ErrMissingImage):
		return appI18n.T(ctx, "ErrMissingImage")
	case errors.Is(err, grading.ErrInvalidCount):
		return appI18n.T(ctx, "ErrInvalidCount")
	case errors.As(err, &serverErr):
		return serverErr.Message
	case errors.As(err, &transportErr):
		return appI18n.T(ctx, "ErrServerUnreachable") + ": " + transportErr.Err.Error()
	default:
		return err.Error()
	}
}

func runDevices(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	devices, err := devicesFromConfig(v)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return camera.ErrNoDevice
	}
	cam := camera.NewHTTP(devices, v.GetDuration("connect-timeout"))
	probe := v.GetBool("probe")

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tFACING\tKIND\tURL\tSIZE")
	for _, d := range cam.Devices() {
		size := "-"
		if probe {
			size = probeDevice(cmd.Context(), cam, d)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Label, d.Facing, d.Kind, d.URL, size)
	}
	return tw.Flush()
}

// probeDevice opens d and waits briefly for its first frame.
func probeDevice(ctx context.Context, cam camera.Camera, d model.Device) string {
	stream, err := cam.Open(ctx, camera.Constraints{DeviceID: d.ID})
	if err != nil {
		slog.Warn("probe failed", "device", d.ID, "error", err)
		return "error"
	}
	defer camera.StopAll(stream)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w, h := stream.Dimensions(); w > 0 && h > 0 {
			return fmt.Sprintf("%dx%d", w, h)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return "no frame"
}

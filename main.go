package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"imageflow/artifacts"
	"imageflow/comfy"
	"imageflow/core"
	"imageflow/generation"
	"imageflow/logging"
	"imageflow/modelconfig"
	"imageflow/pipeline"
	"imageflow/shutdown"
)

var (
	headline = color.New(color.FgCyan, color.Bold)
	success  = color.New(color.FgGreen)
	failure  = color.New(color.FgRed, color.Bold)
	muted    = color.New(color.Faint)
)

type cliFlags struct {
	listModels bool
	noSave     bool

	model        string
	prompt       string
	negative     string
	width        int
	height       int
	steps        int
	cfg          float64
	sampler      string
	scheduler    string
	denoise      float64
	seed         int64
	reference    string
	guideModel   string
	guideImage   string
	lora         string
	loraStrength float64
}

func main() {
	var flags cliFlags
	flag.BoolVar(&flags.listModels, "list-models", false, "list models available on the server and exit")
	flag.BoolVar(&flags.noSave, "no-save", false, "do not persist these settings for the model")
	flag.StringVar(&flags.model, "model", "", "checkpoint model filename")
	flag.StringVar(&flags.prompt, "prompt", "", "positive prompt")
	flag.StringVar(&flags.negative, "negative", "", "negative prompt terms, comma separated")
	flag.IntVar(&flags.width, "width", 0, "output width in pixels")
	flag.IntVar(&flags.height, "height", 0, "output height in pixels")
	flag.IntVar(&flags.steps, "steps", 0, "sampling steps")
	flag.Float64Var(&flags.cfg, "cfg", 0, "guidance scale")
	flag.StringVar(&flags.sampler, "sampler", "", "sampler name")
	flag.StringVar(&flags.scheduler, "scheduler", "", "scheduler name")
	flag.Float64Var(&flags.denoise, "denoise", 0, "denoise strength (0,1]")
	flag.Int64Var(&flags.seed, "seed", -1, "seed, -1 for random")
	flag.StringVar(&flags.reference, "reference", "", "reference image path for image-to-image")
	flag.StringVar(&flags.guideModel, "guide-model", "", "region-guide conditioning model (requires -reference and -guide-image)")
	flag.StringVar(&flags.guideImage, "guide-image", "", "region-guide map image path")
	flag.StringVar(&flags.lora, "lora", "", "style adapter weights filename")
	flag.Float64Var(&flags.loraStrength, "lora-strength", 0.8, "style adapter strength [0,2]")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		muted.Fprintf(os.Stderr, "no .env file loaded: %v\n", err)
	}

	cfg, err := core.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.DevMode, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(cfg, &flags, logger))
}

func run(cfg *core.Config, flags *cliFlags, logger *logging.Logger) int {
	logger.Info("starting",
		zap.String("server", cfg.ServerBaseURL),
		zap.String("client_id", cfg.ClientID),
		zap.Duration("ready_timeout", cfg.ReadyTimeout),
		zap.Duration("generation_timeout", cfg.GenerationTimeout))

	manager := comfy.NewManager(cfg, logger)

	guard := shutdown.NewManager(logger)
	guard.Register("logs", func(context.Context) error {
		return logger.Sync()
	})
	guard.Register("connection", func(context.Context) error {
		manager.Close()
		return nil
	})
	guard.Start()
	defer guard.Shutdown()

	if flags.listModels {
		return listModels(guard.Context(), manager, logger)
	}

	if flags.model == "" || flags.prompt == "" {
		failure.Fprintln(os.Stderr, "both -model and -prompt are required")
		flag.Usage()
		return 2
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		failure.Fprintf(os.Stderr, "cannot create data directory: %v\n", err)
		return 1
	}
	store, err := modelconfig.NewStore(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("settings store unavailable", zap.Error(err))
		failure.Fprintf(os.Stderr, "settings store unavailable: %v\n", err)
		return 1
	}
	guard.Register("settings store", func(context.Context) error {
		return store.Close()
	})

	ctx := guard.Context()
	params, err := resolveParameters(ctx, store, flags)
	if err != nil {
		failure.Fprintf(os.Stderr, "invalid parameters: %v\n", err)
		return 2
	}
	stages, err := buildStages(flags)
	if err != nil {
		failure.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	pl, err := pipeline.Build(params, stages)
	if err != nil {
		failure.Fprintf(os.Stderr, "cannot build pipeline: %v\n", err)
		return 2
	}

	ctrl := generation.NewController(manager, cfg, logger)
	ctrl.OnProgress(func(snap generation.Snapshot) {
		if snap.Progress.Total > 0 {
			fmt.Printf("\r  sampling %d/%d steps", snap.Progress.Completed, snap.Progress.Total)
		}
	})

	headline.Printf("generating with %s\n", params.ModelID)
	muted.Printf("  %dx%d, %d steps, cfg %.1f, %s/%s\n",
		params.Width, params.Height, params.Steps, params.GuidanceScale,
		params.Sampler, params.Scheduler)

	sessionID, err := ctrl.Submit(ctx, pl)
	if err != nil {
		failure.Fprintf(os.Stderr, "submission failed: %v\n", err)
		return 1
	}

	// A first interrupt cancels the session; the deadline inside
	// AwaitCompletion covers a silent server.
	go func() {
		<-ctx.Done()
		ctrl.Cancel(context.Background())
	}()

	snap, err := ctrl.AwaitCompletion(ctx, sessionID)
	fmt.Println()
	if err != nil {
		logger.Error("generation did not complete",
			zap.String("session_id", sessionID),
			zap.String("status", snap.Status.String()),
			zap.Error(err))
		failure.Fprintf(os.Stderr, "generation %s: %v\n", snap.Status, err)
		ctrl.Acknowledge(sessionID)
		return 1
	}

	refs, err := persistArtifacts(ctx, cfg, sessionID, snap, logger)
	if err != nil {
		failure.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	for _, ref := range refs {
		success.Printf("  saved %s\n", ref.Path)
	}

	if !flags.noSave {
		if err := store.Save(ctx, params); err != nil {
			logger.Warn("settings not saved", zap.Error(err))
		}
	}
	ctrl.Acknowledge(sessionID)
	return 0
}

// resolveParameters starts from the model's saved settings (or family
// defaults) and overlays every flag the user set explicitly.
func resolveParameters(ctx context.Context, store *modelconfig.Store, flags *cliFlags) (pipeline.Parameters, error) {
	params, err := store.Resolve(ctx, flags.model)
	if err != nil {
		return pipeline.Parameters{}, err
	}

	params.Prompt = flags.prompt
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["negative"] {
		params.NegativePrompt = splitTerms(flags.negative)
	}
	if set["width"] {
		params.Width = flags.width
	}
	if set["height"] {
		params.Height = flags.height
	}
	if set["steps"] {
		params.Steps = flags.steps
	}
	if set["cfg"] {
		params.GuidanceScale = flags.cfg
	}
	if set["sampler"] {
		params.Sampler = pipeline.Sampler(flags.sampler)
	}
	if set["scheduler"] {
		params.Scheduler = pipeline.Scheduler(flags.scheduler)
	}
	if set["denoise"] {
		params.DenoiseStrength = flags.denoise
	}
	if set["seed"] && flags.seed >= 0 {
		seed := flags.seed
		params.Seed = &seed
	}
	return params, nil
}

// buildStages assembles the optional pipeline stages from the image and
// model flags.
func buildStages(flags *cliFlags) ([]pipeline.Stage, error) {
	var stages []pipeline.Stage

	if flags.reference != "" {
		data, err := os.ReadFile(flags.reference)
		if err != nil {
			return nil, fmt.Errorf("cannot read reference image: %w", err)
		}
		stages = append(stages, pipeline.ReferenceImage(data))
	}
	if flags.guideModel != "" || flags.guideImage != "" {
		if flags.guideModel == "" || flags.guideImage == "" {
			return nil, errors.New("-guide-model and -guide-image must be set together")
		}
		data, err := os.ReadFile(flags.guideImage)
		if err != nil {
			return nil, fmt.Errorf("cannot read guide image: %w", err)
		}
		stages = append(stages, pipeline.RegionGuide(flags.guideModel, data))
	}
	if flags.lora != "" {
		stages = append(stages, pipeline.StyleAdapter(flags.lora, flags.loraStrength))
	}
	return stages, nil
}

// persistArtifacts runs the result pipeline over the session outputs.
// Partial failures keep whatever succeeded.
func persistArtifacts(ctx context.Context, cfg *core.Config, sessionID string, snap generation.Snapshot, logger *logging.Logger) ([]artifacts.AssetRef, error) {
	store, err := artifacts.NewDirStore(cfg.AssetsDir, logger)
	if err != nil {
		return nil, err
	}
	processor := artifacts.NewProcessor(store, logger)

	var refs []artifacts.AssetRef
	var failures int
	for _, res := range processor.Process(ctx, sessionID, snap.Artifacts) {
		if res.Err != nil {
			failures++
			logger.Warn("artifact not persisted",
				zap.String("filename", res.Filename),
				zap.Error(res.Err))
			continue
		}
		refs = append(refs, res.Ref)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("no artifacts could be persisted (%d failed)", failures)
	}
	return refs, nil
}

// listModels prints the server's model folders.
func listModels(ctx context.Context, manager *comfy.Manager, logger *logging.Logger) int {
	client := manager.Client()

	folders := []struct {
		title string
		list  func(context.Context) ([]string, error)
	}{
		{"checkpoints", client.ListModels},
		{"loras", client.ListLoRAs},
		{"controlnet", client.ListControlNetModels},
		{"vae", client.ListVAEs},
		{"upscale models", client.ListUpscaleModels},
	}

	for _, folder := range folders {
		names, err := folder.list(ctx)
		if err != nil {
			logger.Error("model listing failed",
				zap.String("folder", folder.title), zap.Error(err))
			failure.Fprintf(os.Stderr, "cannot list %s: %v\n", folder.title, err)
			return 1
		}
		headline.Printf("%s (%d)\n", folder.title, len(names))
		for _, name := range names {
			fmt.Printf("  %s\n", name)
		}
	}
	return 0
}

func splitTerms(raw string) []string {
	var terms []string
	for _, term := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(term); trimmed != "" {
			terms = append(terms, trimmed)
		}
	}
	return terms
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"llm-charlimit/internal/chatapi"
	"llm-charlimit/internal/limit"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("base-url", envOr("CHARLIMIT_BASE_URL", "http://localhost:8000/api"), "Chat-completion API base URL")
	apiKey := flag.String("api-key", envOr("CHARLIMIT_API_KEY", ""), "API key for endpoint")
	keyFile := flag.String("key-file", envOr("CHARLIMIT_KEY_FILE", "config.json"), "Optional key file supplying api_keys when -api-key is unset")
	model := flag.String("model", envOr("CHARLIMIT_MODEL", "claude-sonnet-4-5-20250929-thinking-32k"), "Model ID to probe")
	modelsFile := flag.String("models-file", envOr("CHARLIMIT_MODELS_FILE", "models.json"), "Optional model catalog used to warn about unlisted models")
	start := flag.Int("start", 500000, "Starting prompt length in characters")
	step := flag.Int("step", 10000, "Coarse descent step size in characters")
	minLength := flag.Int("min-length", 1000, "Minimum length to test before giving up")
	precision := flag.Int("precision", 500, "Bisection precision in characters")
	delay := flag.Duration("delay", 2*time.Second, "Fixed delay after every probe")
	timeout := flag.Duration("timeout", 60*time.Second, "Per-probe HTTP timeout")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full report JSON to this file")
	flag.Parse()

	key := strings.TrimSpace(*apiKey)
	if key == "" {
		loaded, err := limit.LoadAPIKey(*keyFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "warning: key file unreadable:", err)
		} else if loaded != "" {
			key = loaded
			fmt.Printf("using API key from %s: %s...\n", *keyFile, firstChars(key, 20))
		}
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "error: no usable API key; set -api-key, CHARLIMIT_API_KEY, or provide a key file")
		os.Exit(1)
	}

	warnUnlistedModel(*modelsFile, *model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := chatapi.NewClient(chatapi.Config{
		BaseURL: *baseURL,
		APIKey:  key,
		Timeout: *timeout,
	})

	searcher := &limit.Searcher{
		Prober: &limit.EndpointProber{
			Client:  client,
			Model:   *model,
			Timeout: *timeout,
		},
		Config: limit.SearchConfig{
			Model:          *model,
			StartingLength: *start,
			StepSize:       *step,
			MinLength:      *minLength,
			PrecisionStep:  *precision,
			Delay:          *delay,
			ProbeTimeout:   *timeout,
		},
		OnProbe: printProbe,
		OnEvent: printEvent,
	}

	fmt.Printf("Endpoint: %s\n", *baseURL)
	fmt.Printf("Model: %s\n", *model)
	fmt.Printf("Starting length: %d chars, step: %d, min: %d, precision: %d\n\n", *start, *step, *minLength, *precision)

	report, err := searcher.Run(ctx)
	report.Endpoint = *baseURL
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("\nsearch interrupted by user")
			os.Exit(0)
		}
		exitWith("search failed: " + err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(report)
	default:
		printText(report)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeReport(*outputPath, report); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func warnUnlistedModel(modelsFile, model string) {
	catalog, err := limit.LoadModelCatalog(modelsFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: model catalog unreadable:", err)
		return
	}
	if catalog.Empty() {
		return
	}
	if catalog.HasTextModel(model) {
		fmt.Printf("using model: %s\n", model)
		return
	}
	names := catalog.TextModelNames()
	if len(names) > 5 {
		names = names[:5]
	}
	fmt.Fprintf(os.Stderr, "warning: model %q not found in catalog (known: %s...)\n", model, strings.Join(names, ", "))
}

func printProbe(result limit.ProbeResult) {
	if result.Succeeded {
		fmt.Printf("length %d: accepted (%d response chars, %dms)\n", result.Length, result.ResponseChars, result.DurationMS)
		return
	}
	fmt.Printf("length %d: failed [%s] %s\n", result.Length, result.Kind, result.ErrorDetail)
}

func printEvent(stage, message string, data map[string]any) {
	if len(data) == 0 {
		fmt.Printf("[%s] %s\n", stage, message)
		return
	}
	detail, _ := json.Marshal(data)
	fmt.Printf("[%s] %s %s\n", stage, message, detail)
}

func printText(report limit.SearchReport) {
	fmt.Println()
	if !report.Resolved() {
		fmt.Printf("no working length found; the limit may be below the configured minimum\n")
		fmt.Printf("probes: %d, duration: %dms\n", report.Phase1Probes, report.DurationMS)
		return
	}
	fmt.Printf("maximum working length: %d characters\n", report.FinalLimit)
	if report.Bounds.KnownBad > 0 {
		fmt.Printf("first failure at: %d characters\n", report.Bounds.KnownBad)
	}
	fmt.Printf("phase1 probes: %d, phase2 probes: %d, duration: %dms\n",
		report.Phase1Probes, report.Phase2Probes, report.DurationMS)
}

func printJSON(report limit.SearchReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeReport(path string, report limit.SearchReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}

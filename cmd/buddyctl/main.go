package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/export"
	"github.com/loqalabs/interview-buddy/internal/interview"
	"github.com/loqalabs/interview-buddy/internal/jobdesc"
	"github.com/loqalabs/interview-buddy/internal/llm"
	"github.com/loqalabs/interview-buddy/internal/store"
)

var version = "0.1.0-dev"

const usage = "expected 'questions', 'analyze', 'export', 'prune', 'validate' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New(usage)

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	var configPath string
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")

	switch command {
	case "questions":
		description := fs.String("description", "", "Job description text")
		file := fs.String("file", "", "Job description file (txt, md, pdf, docx)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runQuestions(ctx, configPath, *description, *file, out)
	case "analyze":
		input := fs.String("input", "-", "Analysis request JSON file, - for stdin")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runAnalyze(ctx, configPath, *input, out)
	case "export":
		id := fs.String("id", "", "Interview id")
		output := fs.String("out", "", "Output path (default interview-<id>.xlsx)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runExport(ctx, configPath, *id, *output, out)
	case "prune":
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runPrune(ctx, configPath, out)
	case "validate":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Fprintln(out, "config valid")
		return nil
	case "version":
		fmt.Fprintln(out, version)
		return nil
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newInterviewService(ctx context.Context, cfg config.Config) (*interview.Service, func(), error) {
	generator, err := llm.NewGenerator(ctx, cfg.LLM)
	if err != nil {
		return nil, nil, err
	}
	logger := quietLogger()
	completions := llm.NewService(cfg.LLM, generator, logger)
	return interview.NewService(completions, cfg.Interview.QuestionCount, logger), completions.Close, nil
}

func readDescription(description, file string) (string, error) {
	if file == "" {
		return description, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return jobdesc.Extract(filepath.Base(file), "", data)
}

func runQuestions(ctx context.Context, configPath, description, file string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	text, err := readDescription(description, file)
	if err != nil {
		return err
	}
	service, closeFn, err := newInterviewService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	questions, err := service.GenerateQuestions(ctx, text)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string][]string{"questions": questions})
}

func runAnalyze(ctx context.Context, configPath, input string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	var reader io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	}
	var req interview.AnalysisRequest
	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		return fmt.Errorf("decode analysis request: %w", err)
	}

	service, closeFn, err := newInterviewService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := service.Analyze(ctx, req)
	if err != nil {
		return err
	}
	return writeJSON(out, result)
}

func runExport(ctx context.Context, configPath, id, output string, out io.Writer) error {
	if id == "" {
		return errors.New("-id is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Store, quietLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	iv, err := st.GetInterview(ctx, id)
	if err != nil {
		return err
	}
	report, err := export.WriteAnalysis(iv)
	if err != nil {
		return err
	}
	if output == "" {
		output = fmt.Sprintf("interview-%s.xlsx", id)
	}
	if err := os.WriteFile(output, report, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "report written to %s\n", output)
	return nil
}

func runPrune(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Store, quietLogger())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Prune(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "pruned interviews older than %d days, keeping at most %d\n", cfg.Store.RetentionDays, cfg.Store.MaxInterviews)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for tests.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Options configures the external binaries.
type Options struct {
	FFmpegPath  string
	WhisperPath string
	ModelPath   string
	Language    string
}

// Transcriber converts media to 16 kHz mono WAV with ffmpeg, then runs
// whisper.cpp on it. One instance is shared by every transcription a worker
// runs; it holds no per-call state.
type Transcriber struct {
	ffmpegPath  string
	whisperPath string
	modelPath   string
	language    string
	runner      commandRunner
}

// New validates the model path and builds a Transcriber.
func New(opts Options) (*Transcriber, error) {
	return newTranscriber(opts, execRunner{})
}

func newTranscriber(opts Options, runner commandRunner) (*Transcriber, error) {
	model := strings.TrimSpace(opts.ModelPath)
	if model == "" {
		return nil, errors.New("whisper model path is required")
	}
	info, err := os.Stat(model)
	if err != nil {
		return nil, fmt.Errorf("cannot access whisper model %s: %w", model, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("whisper model %s is a directory", model)
	}
	t := &Transcriber{
		ffmpegPath:  opts.FFmpegPath,
		whisperPath: opts.WhisperPath,
		modelPath:   model,
		language:    normalizeLanguage(opts.Language),
		runner:      runner,
	}
	if t.ffmpegPath == "" {
		t.ffmpegPath = "ffmpeg"
	}
	if t.whisperPath == "" {
		t.whisperPath = "whisper-cli"
	}
	return t, nil
}

// Transcribe returns the transcript text of mediaPath.
func (t *Transcriber) Transcribe(ctx context.Context, mediaPath string) (string, error) {
	if _, err := os.Stat(mediaPath); err != nil {
		return "", fmt.Errorf("cannot access media %s: %w", mediaPath, err)
	}
	tmp, err := os.MkdirTemp("", "qtube-whisper-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	wav := filepath.Join(tmp, "audio-16k-mono.wav")
	if res, err := t.runner.Run(ctx, t.ffmpegPath, ffmpegArgs(mediaPath, wav)...); err != nil {
		return "", commandError("ffmpeg audio conversion", res, err)
	}

	base := filepath.Join(tmp, "transcript")
	if res, err := t.runner.Run(ctx, t.whisperPath, whisperArgs(t.modelPath, wav, base, t.language)...); err != nil {
		return "", commandError("whisper transcription", res, err)
	}

	text, err := os.ReadFile(base + ".txt")
	if err != nil {
		return "", fmt.Errorf("whisper completed but transcript is missing: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

func commandError(what string, res commandResult, err error) error {
	stderr := strings.TrimSpace(res.Stderr)
	if len(stderr) > 500 {
		stderr = stderr[len(stderr)-500:]
	}
	if stderr == "" {
		return fmt.Errorf("%s failed (exit %d): %w", what, res.ExitCode, err)
	}
	return fmt.Errorf("%s failed (exit %d): %w: %s", what, res.ExitCode, err, stderr)
}

func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func ffmpegArgs(input, output string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		output,
	}
}

func whisperArgs(model, audio, outBase, language string) []string {
	args := []string{
		"-m", model,
		"-f", audio,
		"-of", outBase,
		"-otxt",
		"-np",
	}
	if language != "" {
		args = append(args, "-l", language)
	}
	return args
}

package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"qtube/internal/pipeline"
)

const progressPrefix = "qtube-progress "

// Options configures the yt-dlp binary.
type Options struct {
	BinaryPath    string
	CookiesFile   string
	Retries       int
	SocketTimeout time.Duration
	DefaultFormat string
}

// Client drives a local yt-dlp binary. It resolves sources into items and
// fetches single items with progress reporting.
type Client struct {
	binary        string
	cookiesFile   string
	retries       int
	socketTimeout time.Duration
	defaultFormat string
}

func New(opts Options) *Client {
	c := &Client{
		binary:        opts.BinaryPath,
		cookiesFile:   opts.CookiesFile,
		retries:       opts.Retries,
		socketTimeout: opts.SocketTimeout,
		defaultFormat: opts.DefaultFormat,
	}
	if c.binary == "" {
		c.binary = "yt-dlp"
	}
	return c
}

func (c *Client) commonArgs() []string {
	args := []string{"--no-warnings", "--ignore-config"}
	if c.cookiesFile != "" {
		if _, err := os.Stat(c.cookiesFile); err == nil {
			args = append(args, "--cookies", c.cookiesFile)
		}
	}
	if c.socketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(c.socketTimeout.Seconds())))
	}
	return args
}

type info struct {
	ID         string  `json:"id"`
	Type       string  `json:"_type"`
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Channel    string  `json:"channel"`
	URL        string  `json:"url"`
	WebpageURL string  `json:"webpage_url"`
	Entries    []entry `json:"entries"`
}

type entry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	WebpageURL string `json:"webpage_url"`
	Uploader   string `json:"uploader"`
	Channel    string `json:"channel"`
}

// Resolve expands sourceURL with a flat metadata dump. Playlists and channels
// yield one item per entry.
func (c *Client) Resolve(ctx context.Context, sourceURL string) (pipeline.Resolution, error) {
	args := append(c.commonArgs(), "-J", "--flat-playlist", sourceURL)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return pipeline.Resolution{}, fmt.Errorf("yt-dlp failed: %w, stderr: %s", err, tail(stderr.String()))
	}
	return parseInfo(stdout.Bytes(), sourceURL)
}

func parseInfo(raw []byte, sourceURL string) (pipeline.Resolution, error) {
	var in info
	if err := json.Unmarshal(raw, &in); err != nil {
		return pipeline.Resolution{}, fmt.Errorf("decode yt-dlp metadata: %w", err)
	}

	if in.Type == "playlist" || len(in.Entries) > 0 {
		res := pipeline.Resolution{Collection: firstNonEmpty(in.Uploader, in.Channel, in.Title)}
		for _, e := range in.Entries {
			u := firstNonEmpty(e.WebpageURL, e.URL)
			if u == "" && e.ID != "" {
				u = "https://www.youtube.com/watch?v=" + e.ID
			}
			if u == "" {
				continue
			}
			if res.Collection == "" {
				res.Collection = firstNonEmpty(e.Uploader, e.Channel)
			}
			res.Items = append(res.Items, pipeline.Item{URL: u, ExternalID: e.ID, Title: e.Title})
		}
		return res, nil
	}

	if in.ID == "" {
		return pipeline.Resolution{}, errors.New("yt-dlp returned no media")
	}
	return pipeline.Resolution{
		Collection: firstNonEmpty(in.Uploader, in.Channel),
		Items: []pipeline.Item{{
			URL:        firstNonEmpty(in.WebpageURL, sourceURL),
			ExternalID: in.ID,
			Title:      in.Title,
		}},
	}, nil
}

// Fetch downloads one item into outputDir and returns the final file path.
func (c *Client) Fetch(ctx context.Context, itemURL, outputDir, format string, onProgress pipeline.ProgressFunc) (string, error) {
	if format == "" {
		format = c.defaultFormat
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	args := c.commonArgs()
	args = append(args,
		"--no-playlist",
		"--newline",
		"--progress",
		"--progress-template", "download:" + progressPrefix + "%(progress.status)s %(progress.downloaded_bytes)s %(progress.total_bytes)s %(progress.total_bytes_estimate)s",
		"--print", "after_move:filepath",
		"-o", filepath.Join(outputDir, "%(title)s.%(ext)s"),
	)
	if format != "" {
		args = append(args, "-f", format)
	}
	if c.retries > 0 {
		r := strconv.Itoa(c.retries)
		args = append(args, "--retries", r, "--fragment-retries", r, "--extractor-retries", r)
	}
	args = append(args, itemURL)

	cmd := exec.CommandContext(ctx, c.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("yt-dlp stdout: %w", err)
	}
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start yt-dlp: %w", err)
	}

	finalPath := scanOutput(stdout, onProgress)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("yt-dlp failed: %w, stderr: %s", err, tail(stderr.String()))
	}
	if finalPath == "" {
		return "", errors.New("yt-dlp reported no output file")
	}
	return finalPath, nil
}

// scanOutput forwards progress lines and returns the last printed file path.
func scanOutput(r io.Reader, onProgress pipeline.ProgressFunc) string {
	var finalPath string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if fp, ok := parseProgress(line); ok {
			if onProgress != nil {
				onProgress(fp)
			}
			continue
		}
		finalPath = line
	}
	if finalPath != "" && onProgress != nil {
		onProgress(pipeline.FetchProgress{Status: pipeline.FetchFinished, FinalPath: finalPath})
	}
	return finalPath
}

func parseProgress(line string) (pipeline.FetchProgress, bool) {
	if !strings.HasPrefix(line, progressPrefix) {
		return pipeline.FetchProgress{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, progressPrefix))
	if len(fields) < 4 {
		return pipeline.FetchProgress{}, false
	}
	fp := pipeline.FetchProgress{Status: pipeline.FetchDownloading}
	if fields[0] == "finished" {
		fp.Status = pipeline.FetchFinished
	}
	fp.BytesDone = parseBytes(fields[1])
	fp.BytesTotal = parseBytes(fields[2])
	if fp.BytesTotal == 0 {
		fp.BytesTotal = parseBytes(fields[3])
	}
	return fp, true
}

// parseBytes reads yt-dlp numeric fields, which may be floats or "NA".
func parseBytes(s string) int64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return int64(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[len(s)-500:]
	}
	return s
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > 8192 {
		t.buf = t.buf[len(t.buf)-8192:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

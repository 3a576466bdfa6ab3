// Package download fetches model files and repository snapshots from a
// Hugging Face compatible hub with bounded linear-backoff retry.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/23skdu/longbow-vlm/internal/config"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/metrics"
)

var (
	ErrMaxRetriesExceeded    = errors.New("max retries exceeded")
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
)

// DefaultIgnorePatterns skips alternative weight formats when fetching a
// framework checkpoint.
var DefaultIgnorePatterns = []string{"*.gguf", "GGUF/*", "*.bin", "*.msgpack"}

// DefaultRequiredFiles must exist for a checkpoint directory to be usable.
var DefaultRequiredFiles = []string{"config.json", "model.safetensors.index.json"}

const defaultRevision = "main"

// Progress reports bytes written for one file.
type Progress struct {
	Repo      string `json:"repo"`
	File      string `json:"file"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
}

type Manager struct {
	Endpoint   string
	Token      string
	MaxRetries int
	MaxWorkers int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
	Client  *http.Client

	OnProgress func(Progress)
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(cfg config.DownloadConfig) *Manager {
	return &Manager{
		Endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		Token:      cfg.Token,
		MaxRetries: cfg.MaxRetries,
		MaxWorkers: cfg.MaxWorkers,
		Backoff:    cfg.Backoff.Duration,
		Client:     &http.Client{},
		Sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn at most MaxRetries times, waiting Backoff*attempt between
// attempts. Context errors end the loop immediately.
func (m *Manager) retry(ctx context.Context, kind, what string, fn func(context.Context) error) error {
	maxRetries := m.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	sleep := m.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			logger.Log.Info("Retrying download", "target", what, "attempt", attempt, "max_retries", maxRetries)
		}
		start := time.Now()
		err := fn(ctx)
		metrics.RecordDownload(kind, err, time.Since(start))
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		wait := m.Backoff * time.Duration(attempt)
		logger.Log.Warn("Download error", "target", what, "error", err, "wait", wait.String())
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	logger.Log.Error("Download failed", "target", what, "attempts", maxRetries, "error", lastErr)
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrMaxRetriesExceeded, what, maxRetries, lastErr)
}

// DownloadFile fetches one file of repo into destDir and returns its path.
// A partially written file is resumed with a range request.
func (m *Manager) DownloadFile(ctx context.Context, repo, filename, destDir string) (string, error) {
	dest := filepath.Join(destDir, filepath.FromSlash(filename))
	logger.Log.Info("Downloading file", "repo", repo, "file", filename, "dest", destDir)

	err := m.retry(ctx, "file", repo+"/"+filename, func(ctx context.Context) error {
		return m.fetch(ctx, repo, filename, dest)
	})
	if err != nil {
		return "", err
	}
	logger.Log.Info("Downloaded file", "file", filename, "path", dest)
	return dest, nil
}

// DownloadRepository mirrors every file of repo not matching ignore into
// localDir, at most MaxWorkers at a time. Files already present are kept, so
// a retried snapshot only fetches what is missing. A nil ignore list means
// DefaultIgnorePatterns.
func (m *Manager) DownloadRepository(ctx context.Context, repo, localDir string, ignore []string) error {
	if ignore == nil {
		ignore = DefaultIgnorePatterns
	}
	logger.Log.Info("Downloading repository", "repo", repo, "dest", localDir, "excluding", strings.Join(ignore, ", "))

	err := m.retry(ctx, "repository", repo, func(ctx context.Context) error {
		files, err := m.ListFiles(ctx, repo)
		if err != nil {
			return err
		}
		files = FilterIgnored(files, ignore)
		if len(files) == 0 {
			return fmt.Errorf("repository %s has no files to download", repo)
		}

		workers := m.MaxWorkers
		if workers <= 0 {
			workers = 1
		}
		sem := semaphore.NewWeighted(int64(workers))
		g, ctx := errgroup.WithContext(ctx)
		for _, f := range files {
			g.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				return m.fetch(ctx, repo, f, filepath.Join(localDir, filepath.FromSlash(f)))
			})
		}
		return g.Wait()
	})
	if err != nil {
		return err
	}
	logger.Log.Info("Repository downloaded", "repo", repo, "location", localDir)
	return nil
}

type modelInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// ListFiles returns the file paths of repo as reported by the hub API.
func (m *Manager) ListFiles(ctx context.Context, repo string) ([]string, error) {
	u := fmt.Sprintf("%s/api/models/%s", m.Endpoint, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	m.authorize(req)

	resp, err := m.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("invalid model info for %s: %w", repo, err)
	}
	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		if s.RFilename != "" {
			files = append(files, s.RFilename)
		}
	}
	return files, nil
}

// FilterIgnored drops files matching any glob, tried against both the full
// path and the base name.
func FilterIgnored(files, patterns []string) []string {
	var out []string
	for _, f := range files {
		if !matchesAny(f, patterns) {
			out = append(out, f)
		}
	}
	return out
}

func matchesAny(file string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, file); ok {
			return true
		}
		if ok, _ := path.Match(p, path.Base(file)); ok {
			return true
		}
	}
	return false
}

func (m *Manager) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return http.DefaultClient
}

func (m *Manager) authorize(req *http.Request) {
	if m.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.Token)
	}
}

func (m *Manager) fileURL(repo, filename string) string {
	segments := strings.Split(filename, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", m.Endpoint, repo, defaultRevision, strings.Join(segments, "/"))
}

// fetch performs one transfer attempt into dest via dest+".part". An
// existing dest is kept unless the hub reports a different size.
func (m *Manager) fetch(ctx context.Context, repo, filename, dest string) error {
	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		size, ok := m.remoteSize(ctx, repo, filename)
		if !ok || size == info.Size() {
			logger.Log.Debug("File already present", "path", dest)
			return nil
		}
		logger.Log.Warn("Local file size differs from hub, downloading again", "path", dest, "local", info.Size(), "remote", size)
		if err := os.Remove(dest); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	part := dest + ".part"
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.fileURL(repo, filename), nil)
	if err != nil {
		return err
	}
	m.authorize(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.client().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	flags := os.O_CREATE | os.O_WRONLY
	// total stays -1 when the hub does not tell
	total := int64(-1)
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && start != offset {
			_ = os.Remove(part)
			return fmt.Errorf("hub resumed %s at byte %d, want %d", filename, start, offset)
		}
		flags |= os.O_APPEND
		switch {
		case ok && size >= 0:
			total = size
		case resp.ContentLength >= 0:
			total = offset + resp.ContentLength
		}
	case http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
		total = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		if _, size, ok := parseContentRange(resp.Header.Get("Content-Range")); offset > 0 && ok && size == offset {
			// the partial file already holds every byte
			return os.Rename(part, dest)
		}
		_ = os.Remove(part)
		return fmt.Errorf("partial download of %s does not match the hub, restarting: %w", filename, statusError(resp))
	default:
		return statusError(resp)
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return err
	}

	pw := &progressWriter{
		report:    m.OnProgress,
		progress:  Progress{Repo: repo, File: filename, Completed: offset, Total: max(total, 0)},
		sometimes: rate.Sometimes{Interval: 2 * time.Second},
	}
	n, copyErr := io.Copy(io.MultiWriter(f, pw), resp.Body)
	closeErr := f.Close()
	metrics.RecordDownloadBytes(n)
	if copyErr != nil {
		// what arrived is a valid prefix; the next attempt resumes from it
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if total >= 0 && offset+n != total {
		_ = os.Remove(part)
		return fmt.Errorf("short download of %s: %d of %d bytes", filename, offset+n, total)
	}
	pw.finish()
	return os.Rename(part, dest)
}

// remoteSize asks the hub for the size of filename. ok is false when the hub
// cannot be reached or does not report a length.
func (m *Manager) remoteSize(ctx context.Context, repo, filename string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.fileURL(repo, filename), nil)
	if err != nil {
		return 0, false
	}
	m.authorize(req)
	resp, err := m.client().Do(req)
	if err != nil {
		return 0, false
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

// parseContentRange reads "bytes <start>-<end>/<size>" or "bytes */<size>".
// size is -1 when given as "*".
func parseContentRange(h string) (start, size int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, total, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	size = -1
	if total != "*" {
		v, err := strconv.ParseInt(total, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		size = v
	}
	if span != "*" {
		from, _, found := strings.Cut(span, "-")
		v, err := strconv.ParseInt(from, 10, 64)
		if !found || err != nil {
			return 0, 0, false
		}
		start = v
	}
	return start, size, true
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	return fmt.Errorf("hub returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

type progressWriter struct {
	report    func(Progress)
	progress  Progress
	sometimes rate.Sometimes
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.progress.Completed += int64(len(p))
	w.sometimes.Do(w.emit)
	return len(p), nil
}

func (w *progressWriter) emit() {
	logger.Log.Info("Download progress", "file", w.progress.File, "completed", w.progress.Completed, "total", w.progress.Total)
	if w.report != nil {
		w.report(w.progress)
	}
}

func (w *progressWriter) finish() {
	if w.report != nil {
		w.report(w.progress)
	}
}

// CheckRepositoryIntegrity reports whether localDir exists and holds every
// required file. A nil list means DefaultRequiredFiles.
func CheckRepositoryIntegrity(localDir string, required []string) bool {
	if info, err := os.Stat(localDir); err != nil || !info.IsDir() {
		return false
	}
	if required == nil {
		required = DefaultRequiredFiles
	}
	for _, f := range required {
		if !fileExists(filepath.Join(localDir, filepath.FromSlash(f))) {
			logger.Log.Warn("Missing required file", "dir", localDir, "file", f)
			return false
		}
	}
	return true
}

package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecount/internal/groutine"
)

const (
	// ShareFileName is the cache file served by share links.
	ShareFileName = "batches.csv"

	// DefaultShareAddr listens on loopback with a random port.
	DefaultShareAddr = "127.0.0.1:0"

	shutdownTimeout = 5 * time.Second
)

// ErrUnknownToken is returned for a token that was never issued or was revoked.
var ErrUnknownToken = errors.New("unknown share token")

// Sharer serves exported CSV files at /share/<token>. Each token is a random
// UUID acting as the read grant for one file.
type Sharer struct {
	// OneShot revokes a token after its first successful download.
	OneShot bool

	cacheDir string
	logger   *logrus.Logger
	echo     *echo.Echo

	mu     sync.Mutex
	grants map[string]string // token -> file path
	addr   string
}

// NewSharer creates a sharer that stores files under cacheDir.
func NewSharer(cacheDir string, logger *logrus.Logger) *Sharer {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Sharer{
		cacheDir: cacheDir,
		logger:   logger,
		grants:   make(map[string]string),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.logRequests)
	e.GET("/share/:token", s.handleShare)
	s.echo = e
	return s
}

// Handler exposes the routes for embedding or testing.
func (s *Sharer) Handler() http.Handler {
	return s.echo
}

// Share writes csv to the cache directory and returns a new token for it.
// Earlier tokens keep pointing at the cache file, which now holds csv.
func (s *Sharer) Share(csv string) (string, error) {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create share directory: %w", err)
	}
	path := filepath.Join(s.cacheDir, ShareFileName)
	if err := writeFile(path, csv); err != nil {
		return "", err
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.grants[token] = path
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"token": token,
		"size":  humanize.Bytes(uint64(len(csv))),
	}).Info("Share link created")
	return token, nil
}

// Revoke withdraws token.
func (s *Sharer) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, token)
}

// URL returns the share URL for token once the server is listening.
func (s *Sharer) URL(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://%s/share/%s", s.addr, token)
}

// Start listens on addr and serves until ctx is done. It returns the bound
// address.
func (s *Sharer) Start(ctx context.Context, addr string) (string, error) {
	if addr == "" {
		addr = DefaultShareAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.echo.Listener = ln

	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()

	groutine.Go(ctx, "share-server", func(ctx context.Context) {
		if err := s.echo.Start(bound); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Share server stopped")
		}
	})
	groutine.Go(ctx, "share-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	})

	s.logger.WithField("addr", bound).Info("Share server listening")
	return bound, nil
}

// claim resolves token. With OneShot the grant is removed in the same step,
// so only one request can ever hold it.
func (s *Sharer) claim(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.grants[token]
	if !ok {
		return "", ErrUnknownToken
	}
	if s.OneShot {
		delete(s.grants, token)
	}
	return path, nil
}

func (s *Sharer) regrant(token, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[token] = path
}

func (s *Sharer) handleShare(c echo.Context) error {
	token := c.Param("token")
	path, err := s.claim(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if _, err := os.Stat(path); err != nil {
		return echo.NewHTTPError(http.StatusGone, "shared file is no longer available")
	}

	if err := c.Attachment(path, ShareFileName); err != nil {
		if s.OneShot {
			s.regrant(token, path)
		}
		return err
	}
	return nil
}

func (s *Sharer) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request().Method,
			"path":     c.Request().URL.Path,
			"status":   status,
			"duration": time.Since(start),
		}).Debug("Share request")
		return err
	}
}

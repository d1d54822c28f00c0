package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"property-sync/utils"
)

const DefaultNavTimeout = 30 * time.Second

type SessionOptions struct {
	Headless       bool
	NavTimeout     time.Duration
	CapturePattern string
	// SettleDelay is waited after navigation so client-side scripts can run.
	SettleDelay time.Duration
}

// Session owns one shared Chrome process. Jobs acquire it through WithPage;
// every call gets its own tab, which is closed when the call returns.
type Session struct {
	opts    SessionOptions
	capture *regexp.Regexp

	mu          sync.Mutex
	refs        int
	closing     bool
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = DefaultNavTimeout
	}
	if opts.CapturePattern == "" {
		opts.CapturePattern = DefaultCapturePattern
	}
	re, err := regexp.Compile(opts.CapturePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid capture pattern: %w", err)
	}
	return &Session{opts: opts, capture: re}, nil
}

// Acquire returns the shared browser context, starting Chrome on first use.
// Every successful Acquire must be paired with Release.
func (s *Session) Acquire() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, errors.New("browser session is closed")
	}
	if s.browserCtx == nil {
		utils.Info("Launching Chrome browser...")
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(s.opts.Headless)...)
		browserCtx, browserStop := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserStop()
			allocCancel()
			return nil, utils.NewNetworkError("start browser", "", 0, err)
		}
		s.allocCtx, s.allocCancel = allocCtx, allocCancel
		s.browserCtx, s.browserStop = browserCtx, browserStop
		utils.Success("Browser ready")
	}
	s.refs++
	return s.browserCtx, nil
}

func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	if s.refs == 0 && s.closing {
		s.shutdownLocked()
	}
}

// Close shuts the browser down once the last page is released.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.refs == 0 {
		s.shutdownLocked()
	}
}

func (s *Session) shutdownLocked() {
	if s.browserCtx == nil {
		return
	}
	utils.Info("Closing browser...")
	s.browserStop()
	s.allocCancel()
	s.browserCtx, s.browserStop = nil, nil
	s.allocCtx, s.allocCancel = nil, nil
}

// WithPage opens a tab, navigates to url with the session's timeout and runs fn
// against the loaded page. Navigation timeouts and non-2xx documents return a
// network error carrying the HTTP status.
func (s *Session) WithPage(ctx context.Context, url string, fn func(Page) error) error {
	browserCtx, err := s.Acquire()
	if err != nil {
		return err
	}
	defer s.Release()

	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	// allocate the tab before any timeout is attached to it
	if err := chromedp.Run(tabCtx); err != nil {
		return utils.NewNetworkError("open tab", url, 0, err)
	}
	if err := chromedp.Run(tabCtx, hideWebDriver()); err != nil {
		utils.L().Debug("stealth patch failed", zap.String("url", url), zap.Error(err))
	}

	page := newChromePage(tabCtx, url, s.capture)
	if err := page.startCapture(); err != nil {
		utils.L().Warn("network capture unavailable", zap.String("url", url), zap.Error(err))
	}
	defer page.stopCapture()

	navCtx, cancel := context.WithTimeout(tabCtx, s.opts.NavTimeout)
	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(url))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return utils.NewNetworkError("navigate", url, 0, err)
	}

	status := 200
	if resp != nil {
		status = int(resp.Status)
	}
	page.status = status
	if status < 200 || status >= 300 {
		return utils.NewNetworkError("navigate", url, status, fmt.Errorf("unexpected status %d", status))
	}

	if s.opts.SettleDelay > 0 {
		if err := utils.Sleep(ctx, s.opts.SettleDelay); err != nil {
			return err
		}
	}

	return fn(page)
}

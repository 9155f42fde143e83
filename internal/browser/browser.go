// Package browser drives a Chrome instance through the Reply.io web app to sign in,
// switch workspace and download the People export.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/jonathan/contact-extractor/internal/session"
)

// DefaultBaseURL is the Reply.io web app root.
const DefaultBaseURL = "https://run.reply.io"

// DefaultTimezone is reported to pages as the browser timezone.
const DefaultTimezone = "America/Lima"

// ExportFileName is the name the downloaded export is saved under.
const ExportFileName = "people.csv"

// Waits are the settle times applied after navigation steps. The app renders lazily, so
// a fixed pause after each step is more reliable than waiting for any single node.
type Waits struct {
	AfterLanding time.Duration
	AfterLogin   time.Duration
	AfterSwitch  time.Duration
	AfterList    time.Duration
	AfterClick   time.Duration
	Navigation   time.Duration
	Login        time.Duration
	Download     time.Duration
}

// DefaultWaits mirrors what the web app needs in practice.
func DefaultWaits() Waits {
	return Waits{
		AfterLanding: 3 * time.Second,
		AfterLogin:   3 * time.Second,
		AfterSwitch:  8 * time.Second,
		AfterList:    5 * time.Second,
		AfterClick:   2 * time.Second,
		Navigation:   30 * time.Second,
		Login:        20 * time.Second,
		Download:     60 * time.Second,
	}
}

// Options configure a Capability.
type Options struct {
	BaseURL  string
	Headless bool
	ProxyURL string
	Timezone string
	Waits    Waits
	Logger   *slog.Logger
}

// Capability implements session.Capability with chromedp. Every Fetch starts its own
// browser process; no state is shared between calls except what travels in the request.
type Capability struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

var _ session.Capability = (*Capability)(nil)

// New creates a Capability, filling unset options with defaults.
func New(opts Options) *Capability {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timezone == "" {
		opts.Timezone = DefaultTimezone
	}
	if opts.Waits == (Waits{}) {
		opts.Waits = DefaultWaits()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Capability{opts: opts, logger: logger.With("component", "browser"), now: time.Now}
}

// allocatorOptions builds the Chrome flags for one fetch.
func (c *Capability) allocatorOptions(req session.Request) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if req.Identity.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(req.Identity.UserAgent))
	}
	if req.Identity.Viewport.Width > 0 && req.Identity.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(req.Identity.Viewport.Width, req.Identity.Viewport.Height))
	}
	if c.opts.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(c.opts.ProxyURL))
	}
	return opts
}

// Fetch restores req.PriorState when given, signs in if the app asks for it, switches to
// the requested workspace and downloads the People export into req.DownloadDir.
func (c *Capability) Fetch(ctx context.Context, req session.Request) (*session.Result, error) {
	if err := os.MkdirAll(req.DownloadDir, 0o755); err != nil {
		return nil, &session.FetchError{Stage: session.StageLogin, Cause: fmt.Errorf("failed to create download dir: %w", err)}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions(req)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	logger := c.logger.With("email", req.Credentials.Email, "workspace_id", req.WorkspaceID)

	// Start the browser and apply the context-wide settings.
	if err := chromedp.Run(browserCtx,
		emulation.SetTimezoneOverride(c.opts.Timezone),
		network.Enable(),
	); err != nil {
		return nil, &session.FetchError{Stage: session.StageLogin, Cause: fmt.Errorf("failed to start browser: %w", err)}
	}

	if len(req.PriorState) > 0 {
		if err := c.restoreState(browserCtx, req.PriorState); err != nil {
			logger.Warn("invalid session state, signing in", "error", err)
		} else {
			logger.Info("loaded session state")
		}
	}

	login, err := c.ensureLoggedIn(browserCtx, req, logger)
	if err != nil {
		return nil, &session.FetchError{Stage: session.StageLogin, Cause: err}
	}

	// From here on a failure still hands back the session reached so far.
	fail := func(stage session.Stage, cause error) error {
		state, _ := c.captureState(browserCtx)
		return &session.FetchError{Stage: stage, Login: login, State: state, Cause: cause}
	}

	logger.Info("switching workspace")
	if err := c.navigate(browserCtx, c.switchURL(req.WorkspaceID), c.opts.Waits.AfterSwitch); err != nil {
		return nil, fail(session.StageSwitch, err)
	}

	artifact, err := c.downloadExport(browserCtx, req.DownloadDir)
	if err != nil {
		return nil, fail(session.StageExport, err)
	}
	logger.Info("export downloaded", "path", artifact.Path, "bytes", artifact.Size)

	state, err := c.captureState(browserCtx)
	if err != nil {
		logger.Warn("could not capture session state", "error", err)
		state = nil
	}

	return &session.Result{Artifact: artifact, State: state, Login: login}, nil
}

func (c *Capability) restoreState(ctx context.Context, raw session.State) error {
	cookies, err := DecodeState(raw, c.now())
	if err != nil {
		return err
	}
	if len(cookies) == 0 {
		return errors.New("session state has no live cookies")
	}
	return chromedp.Run(ctx, network.SetCookies(cookies))
}

func (c *Capability) captureState(ctx context.Context) (session.State, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return EncodeState(cookies)
}

// ensureLoggedIn lands on the app root and signs in only when the app redirects to the
// sign-in page.
func (c *Capability) ensureLoggedIn(ctx context.Context, req session.Request, logger *slog.Logger) (session.LoginOutcome, error) {
	if err := c.navigate(ctx, c.opts.BaseURL+"/", c.opts.Waits.AfterLanding); err != nil {
		return "", err
	}

	var location, html string
	if err := chromedp.Run(ctx, chromedp.Location(&location), chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("failed to read landing page: %w", err)
	}
	if !NeedsLogin(location, html) {
		return session.LoginSkipped, nil
	}

	logger.Info("login required")
	loginCtx, cancel := context.WithTimeout(ctx, c.opts.Waits.Login)
	defer cancel()

	err := chromedp.Run(loginCtx,
		chromedp.WaitVisible(`input[type="password"]`, chromedp.ByQuery),
		chromedp.SendKeys(`(//input[not(@type="hidden") and not(@type="password")])[1]`, req.Credentials.Email, chromedp.BySearch),
		chromedp.SendKeys(`input[type="password"]`, req.Credentials.Password, chromedp.ByQuery),
		chromedp.Click(`//button[contains(normalize-space(.), "Sign in")]`, chromedp.BySearch),
	)
	if err != nil {
		return "", fmt.Errorf("failed to submit login form: %w", err)
	}

	if err := chromedp.Run(ctx,
		chromedp.Sleep(c.opts.Waits.AfterLogin),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html),
	); err != nil {
		return "", fmt.Errorf("failed to read page after login: %w", err)
	}
	if NeedsLogin(location, html) {
		if msg := LoginError(html); msg != "" {
			return "", fmt.Errorf("login rejected: %s", msg)
		}
		return "", errors.New("login rejected: still on sign-in page")
	}
	return session.LoginDone, nil
}

func (c *Capability) navigate(ctx context.Context, target string, settle time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, c.opts.Waits.Navigation)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(target)); err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	return chromedp.Run(ctx, chromedp.Sleep(settle))
}

func (c *Capability) switchURL(workspaceID int64) string {
	q := url.Values{"teamId": []string{strconv.FormatInt(workspaceID, 10)}}
	return c.opts.BaseURL + "/Home/SwitchTeam?" + q.Encode()
}

func (c *Capability) peopleURL() string {
	return c.opts.BaseURL + "/Dashboard/Material#/people/list"
}

// downloadExport walks People > All > select all in list > More > Export to CSV > Basic
// fields and waits for the browser to finish writing the file.
func (c *Capability) downloadExport(ctx context.Context, dir string) (session.Artifact, error) {
	if err := c.navigate(ctx, c.peopleURL(), c.opts.Waits.AfterList); err != nil {
		return session.Artifact{}, err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return session.Artifact{}, fmt.Errorf("failed to resolve download dir: %w", err)
	}

	done := make(chan string, 1)
	failed := make(chan string, 1)
	chromedp.ListenTarget(ctx, func(ev any) {
		if ev, ok := ev.(*browser.EventDownloadProgress); ok {
			switch ev.State {
			case browser.DownloadProgressStateCompleted:
				select {
				case done <- ev.GUID:
				default:
				}
			case browser.DownloadProgressStateCanceled:
				select {
				case failed <- ev.GUID:
				default:
				}
			}
		}
	})

	pause := chromedp.Sleep(c.opts.Waits.AfterClick)
	err = chromedp.Run(ctx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(absDir).
			WithEventsEnabled(true),
		chromedp.Evaluate(clearOverlaysJS, nil),
		clickText(`^All\s*\(`), pause,
		clickSelector(`[data-test-id="select-control-button"]`), pause,
		clickText(`^All in list$`), pause,
		clickText(`^More$`), pause,
		hoverText(`^Export to CSV$`), pause,
		clickText(`^Basic fields$`),
	)
	if err != nil {
		return session.Artifact{}, fmt.Errorf("failed to request export: %w", err)
	}

	timer := time.NewTimer(c.opts.Waits.Download)
	defer timer.Stop()
	select {
	case guid := <-done:
		return finalizeDownload(absDir, guid)
	case <-failed:
		return session.Artifact{}, errors.New("export download was canceled")
	case <-timer.C:
		return session.Artifact{}, fmt.Errorf("export download timed out after %s", c.opts.Waits.Download)
	case <-ctx.Done():
		return session.Artifact{}, ctx.Err()
	}
}

// finalizeDownload renames the GUID-named download to ExportFileName.
func finalizeDownload(dir, guid string) (session.Artifact, error) {
	src := filepath.Join(dir, guid)
	dest := filepath.Join(dir, ExportFileName)
	if err := os.Rename(src, dest); err != nil {
		return session.Artifact{}, fmt.Errorf("failed to save export: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return session.Artifact{}, fmt.Errorf("failed to stat export: %w", err)
	}
	return session.Artifact{Path: dest, Size: info.Size()}, nil
}

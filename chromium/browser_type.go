// Package chromium is the entry point for launching a local Chromium
// browser or attaching to an already running one, and speaking CDP to it
// through the common package.
package chromium

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yie1d/pydoll-sub000/common"
	"github.com/yie1d/pydoll-sub000/log"
)

// LaunchOptions control how the browser process is started.
type LaunchOptions struct {
	// ExecutablePath overrides the executable lookup.
	ExecutablePath string
	// Args are extra "name=value" command line flags.
	Args []string
	// IgnoreDefaultArgs removes flags from the prepared default set.
	IgnoreDefaultArgs []string
	// Env are extra environment variables for the browser process.
	Env map[string]string

	Headless bool
	Devtools bool

	// LogCategoryFilter is a regex restricting log output by category.
	LogCategoryFilter string

	// Timeout bounds process startup and the initial connection.
	Timeout time.Duration
}

// NewLaunchOptions returns the default launch options.
func NewLaunchOptions() *LaunchOptions {
	return &LaunchOptions{
		Headless: true,
		Timeout:  common.DefaultLaunchTimeout,
	}
}

// BrowserType provides methods to launch a Chrome browser instance or
// connect to an existing one. It's the entry point for interacting with
// the browser.
type BrowserType struct {
	execPath string // path to the Chromium executable
}

// NewBrowserType returns a new Chrome browser type.
func NewBrowserType() *BrowserType {
	return &BrowserType{}
}

// Name returns the name of this browser type.
func (b *BrowserType) Name() string {
	return "chromium"
}

// Launch allocates a new Chrome browser process and returns a Browser
// value, which can be used for controlling it.
func (b *BrowserType) Launch(ctx context.Context, opts *LaunchOptions) (*common.Browser, error) {
	if opts == nil {
		opts = NewLaunchOptions()
	}
	logger, err := makeLogger(opts)
	if err != nil {
		return nil, err
	}

	flags := prepareFlags(opts)
	dataDir := ""
	if _, ok := flags["user-data-dir"]; !ok {
		if dataDir, err = os.MkdirTemp("", "pydoll-browser-data-*"); err != nil {
			return nil, fmt.Errorf("making user data directory: %w", err)
		}
		flags["user-data-dir"] = dataDir
	}

	browserProc, err := b.allocate(ctx, opts, flags, dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	browserCtx, browserCtxCancel := context.WithCancel(ctx)
	browser, err := common.NewBrowser(browserCtx, browserCtxCancel, browserProc, logger)
	if err != nil {
		browserCtxCancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	return browser, nil
}

// Connect attaches to an existing browser instance. The endpoint may be
// the browser's WebSocket URL or its DevTools HTTP address, in which
// case the WebSocket URL is discovered through /json/version.
func (b *BrowserType) Connect(ctx context.Context, endpoint string, opts *LaunchOptions) (*common.Browser, error) {
	if opts == nil {
		opts = NewLaunchOptions()
	}
	logger, err := makeLogger(opts)
	if err != nil {
		return nil, err
	}

	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if wsURL, err = BrowserWsURL(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	bProcCtx, bProcCtxCancel := context.WithCancel(ctx)
	browserProc, err := common.NewRemoteBrowserProcess(bProcCtx, wsURL, bProcCtxCancel, logger)
	if err != nil {
		bProcCtxCancel()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	browser, err := common.NewBrowser(bProcCtx, bProcCtxCancel, browserProc, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	return browser, nil
}

// allocate starts a new Chromium browser process and returns it.
func (b *BrowserType) allocate(
	ctx context.Context, opts *LaunchOptions,
	flags map[string]any, dataDir string, logger *log.Logger,
) (_ *common.BrowserProcess, rerr error) {
	bProcCtx, bProcCtxCancel := context.WithTimeout(ctx, opts.Timeout)
	defer func() {
		if rerr != nil {
			bProcCtxCancel()
		}
	}()

	args, err := parseArgs(flags)
	if err != nil {
		return nil, err
	}

	envs := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}

	path := opts.ExecutablePath
	if path == "" {
		path = b.ExecutablePath()
	}

	return common.NewLocalBrowserProcess(bProcCtx, path, args, envs, dataDir, bProcCtxCancel, logger)
}

// ExecutablePath returns the path where we expect to find the browser
// executable.
func (b *BrowserType) ExecutablePath() (execPath string) {
	if b.execPath != "" {
		return b.execPath
	}
	defer func() {
		b.execPath = execPath
	}()

	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}

// parseArgs parses command-line arguments and returns them.
func parseArgs(flags map[string]any) ([]string, error) {
	var args []string
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	if _, ok := flags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	return args, nil
}

// prepareFlags returns the default flag set, after Puppeteer's and
// Playwright's default behavior, adjusted by the launch options.
func prepareFlags(lopts *LaunchOptions) map[string]any {
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		//nolint:lll
		"disable-features":                "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":            true,
		"disable-ipc-flooding-protection": true,
		"disable-popup-blocking":          true,
		"disable-prompt-on-repost":        true,
		"disable-renderer-backgrounding":  true,
		"force-color-profile":             "srgb",
		"metrics-recording-only":          true,
		"no-first-run":                    true,
		"enable-automation":               true,
		"password-store":                  "basic",
		"use-mock-keychain":               true,
		"no-service-autorun":              true,

		"no-startup-window":           true,
		"no-default-browser-check":    true,
		"headless":                    lopts.Headless,
		"auto-open-devtools-for-tabs": lopts.Devtools,
		"window-size":                 fmt.Sprintf("%d,%d", 800, 600),
	}
	if lopts.Headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
		f["blink-settings"] = "primaryHoverType=2,availableHoverTypes=2,primaryPointerType=4,availablePointerTypes=4"
	}
	ignoreDefaultArgsFlags(f, lopts.IgnoreDefaultArgs)
	setFlagsFromArgs(f, lopts.Args)

	return f
}

// ignoreDefaultArgsFlags ignores any flags in the provided slice.
func ignoreDefaultArgsFlags(flags map[string]any, toIgnore []string) {
	for _, name := range toIgnore {
		delete(flags, strings.TrimPrefix(name, "--"))
	}
}

// setFlagsFromArgs fills flags by parsing the args slice. This is used
// for passing the "arg=value" arguments along with other launch options
// when launching a new Chrome browser.
func setFlagsFromArgs(flags map[string]any, args []string) {
	var argname, argval string
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		argname, argval = strings.TrimSpace(strings.TrimPrefix(pair[0], "--")), ""
		if len(pair) > 1 {
			argval = strings.Trim(strings.TrimSpace(pair[1]), `"'`)
		}
		flags[argname] = argval
	}
}

// makeLogger makes and returns a client wide logger.
func makeLogger(opts *LaunchOptions) (*log.Logger, error) {
	logger := log.New(logrus.New())
	if err := logger.SetCategoryFilter(opts.LogCategoryFilter); err != nil {
		return nil, err
	}
	if el, ok := os.LookupEnv("PYDOLL_LOG"); ok {
		if logger.SetLevel(el) != nil {
			return nil, fmt.Errorf(
				"invalid log level %q, should be one of: panic, fatal, error, warn, warning, info, debug, trace",
				el,
			)
		}
	}
	if _, ok := os.LookupEnv("PYDOLL_LOG_CALLER"); ok {
		logger.ReportCaller()
	}

	return logger, nil
}

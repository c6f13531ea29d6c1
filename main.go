// Package main implements the pin publishing CLI: it reads per-project
// ledgers, publishes the queued pins through either the direct endpoints or
// a driven browser, and keeps the ledgers in sync with what actually went
// out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"pinner/batch"
	"pinner/browser"
	"pinner/client"
	"pinner/compose"
	"pinner/ledger"
	"pinner/media"
	"pinner/pkg/pin"
	"pinner/session"
)

var (
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// uploadOptions carries the upload command's flags.
type uploadOptions struct {
	mode     string
	account  string
	pins     int
	delayMin time.Duration
	delayMax time.Duration
	shuffle  bool
	headless bool
	keepRows bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleFail.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "pinner",
		Short:         "Publish queued pins from per-project ledgers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "accounts.yaml", "accounts file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newUploadCmd(&configPath))
	root.AddCommand(newCreateBoardsCmd(&configPath))
	root.AddCommand(newAccountsCmd(&configPath))
	return root
}

func newUploadCmd(configPath *string) *cobra.Command {
	opts := uploadOptions{}
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Publish queued pins for every configured account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !ValidStrategy(opts.mode) {
				return fmt.Errorf("unknown mode %q (want %s or %s)", opts.mode, pin.StrategyDirect, pin.StrategyBrowser)
			}
			if opts.delayMax < opts.delayMin {
				return fmt.Errorf("delay-max %s is below delay-min %s", opts.delayMax, opts.delayMin)
			}
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, cleanup, err := newSessionStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			logger := slog.Default()
			for _, account := range cfg.Accounts {
				if opts.account != "" && account.Email != opts.account {
					continue
				}
				if ctx.Err() != nil {
					logger.Warn("Stopping before next account", "error", ctx.Err())
					break
				}
				if err := runAccount(ctx, logger, cfg, store, account, opts); err != nil {
					logger.Error("Account run failed", "email", account.Email, "error", err)
					fmt.Println(styleFail.Render(fmt.Sprintf("%s: %v", account.Email, err)))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", string(pin.StrategyDirect), "publish strategy: requests or browser")
	cmd.Flags().StringVar(&opts.account, "account", "", "only run this account email")
	cmd.Flags().IntVarP(&opts.pins, "pins", "p", 0, "max pins per account, 0 for all")
	cmd.Flags().DurationVar(&opts.delayMin, "delay-min", 30*time.Second, "minimum delay between pins")
	cmd.Flags().DurationVar(&opts.delayMax, "delay-max", 90*time.Second, "maximum delay between pins")
	cmd.Flags().BoolVar(&opts.shuffle, "shuffle", true, "shuffle the queue before publishing")
	cmd.Flags().BoolVar(&opts.headless, "headless", true, "run the browser headless")
	cmd.Flags().BoolVar(&opts.keepRows, "keep-rows", false, "record published rows without removing them from the queue")
	return cmd
}

// runAccount publishes one account's queue with the selected strategy.
func runAccount(ctx context.Context, logger *slog.Logger, cfg *Config, store *session.Store, account pin.Account, opts uploadOptions) error {
	log := logger.With("email", account.Email, "project", account.Project)

	project, err := ledger.Open(cfg.ProjectsRoot, account.Project, log)
	if err != nil {
		return err
	}
	rows, err := project.Pending()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		log.Info("Queue is empty, nothing to publish")
		return nil
	}
	log.Info("Starting batch", "queued", len(rows), "mode", opts.mode)

	cookies, err := store.Load(ctx, account.Email)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}

	runnerCfg := batch.Config{
		Logger:   log,
		MaxPins:  opts.pins,
		Shuffle:  opts.shuffle,
		KeepRows: opts.keepRows,
		DelayMin: opts.delayMin,
		DelayMax: opts.delayMax,
	}
	// Emoji decoration rides the direct path only; the creation tool UI
	// rejects some raw emoji input.
	var emojis []string
	if pin.Strategy(opts.mode) == pin.StrategyDirect {
		if emojis, err = project.Emojis(); err != nil {
			log.Warn("Could not read emoji list, publishing undecorated", "error", err)
		}
	}
	composer := compose.New(account, emojis, nil)

	var report pin.Report
	switch pin.Strategy(opts.mode) {
	case pin.StrategyBrowser:
		up, err := newBrowserUploader(account, opts.headless, log)
		if err != nil {
			return err
		}
		defer closeQuietly(up, log)

		captured, err := up.Login(ctx, account, cookies)
		if err != nil {
			return fmt.Errorf("browser login: %w", err)
		}
		persistSession(ctx, store, account.Email, cookies, captured, log)

		report = batch.New(runnerCfg, composer, up, nil, project).Run(ctx, rows)

	case pin.StrategyDirect:
		if len(cookies) == 0 {
			log.Info("No saved session, capturing one via browser")
			cookies, err = captureSession(ctx, store, account, opts.headless, log)
			if err != nil {
				return err
			}
		}
		c, err := client.New(client.Config{
			Account:       account,
			Cookies:       cookies,
			Prober:        media.FFProbe{},
			Frames:        media.FFMpeg{},
			Logger:        log,
			StageDelayMin: opts.delayMin,
			StageDelayMax: opts.delayMax,
		})
		if err != nil {
			return err
		}
		c.Bootstrap(ctx)

		report = batch.New(runnerCfg, composer, c, batch.NewDirectory(c), project).Run(ctx, rows)
	}

	printReport(account, report)
	return nil
}

func newCreateBoardsCmd(configPath *string) *cobra.Command {
	var headless bool
	var delayMin, delayMax time.Duration
	cmd := &cobra.Command{
		Use:   "create-boards",
		Short: "Create the boards listed in each project's boards file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, cleanup, err := newSessionStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			logger := slog.Default()
			for _, account := range cfg.Accounts {
				if ctx.Err() != nil {
					break
				}
				if err := createBoardsForAccount(ctx, logger, cfg, store, account, headless, delayMin, delayMax); err != nil {
					logger.Error("Board creation failed", "email", account.Email, "error", err)
					fmt.Println(styleFail.Render(fmt.Sprintf("%s: %v", account.Email, err)))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", true, "run the login browser headless")
	cmd.Flags().DurationVar(&delayMin, "delay-min", 10*time.Second, "minimum delay between creations")
	cmd.Flags().DurationVar(&delayMax, "delay-max", 30*time.Second, "maximum delay between creations")
	return cmd
}

func createBoardsForAccount(ctx context.Context, logger *slog.Logger, cfg *Config, store *session.Store, account pin.Account, headless bool, delayMin, delayMax time.Duration) error {
	log := logger.With("email", account.Email, "project", account.Project)

	project, err := ledger.Open(cfg.ProjectsRoot, account.Project, log)
	if err != nil {
		return err
	}
	specs, err := project.BoardSpecs()
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		log.Info("No boards file, nothing to create")
		return nil
	}

	cookies, err := store.Load(ctx, account.Email)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return err
		}
		cookies, err = captureSession(ctx, store, account, headless, log)
		if err != nil {
			return err
		}
	}

	c, err := client.New(client.Config{Account: account, Cookies: cookies, Logger: log})
	if err != nil {
		return err
	}
	c.Bootstrap(ctx)

	existing, err := c.Boards(ctx)
	if err != nil {
		return err
	}
	recorded, err := project.CreatedBoards()
	if err != nil {
		return err
	}
	existing = append(existing, recorded...)

	bounded := make([]pin.BoardSpec, 0, len(specs))
	for _, s := range specs {
		bounded = append(bounded, compose.BoardSpec(s.Name, s.Description))
	}

	runner := batch.New(batch.Config{Logger: log, DelayMin: delayMin, DelayMax: delayMax}, nil, nil, nil, nil)
	created := runner.CreateBoards(ctx, bounded, existing, c, project)

	fmt.Println(styleOK.Render(fmt.Sprintf("%s: created %d of %d boards", account.Email, len(created), len(specs))))
	return nil
}

func newAccountsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts and their session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			store, cleanup, err := newSessionStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			for _, account := range cfg.Accounts {
				state := styleWarn.Render("no session")
				if store.Exists(cmd.Context(), account.Email) {
					state = styleOK.Render("session saved")
				}
				fmt.Printf("%-40s %-20s %s\n", account.Email, account.Project, state)
			}
			return nil
		},
	}
}

// newSessionStore builds the cookie store, backed by GCS when the config
// names a bucket and by a local directory otherwise.
func newSessionStore(ctx context.Context, cfg *Config) (*session.Store, func(), error) {
	if cfg.CookieBucket == "" {
		return session.New(nil, "", cfg.CookieDir, slog.Default()), func() {}, nil
	}
	gcsClient, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	cleanup := func() {
		if err := gcsClient.Close(); err != nil {
			slog.Warn("Closing storage client failed", "error", err)
		}
	}
	return session.New(gcsClient, cfg.CookieBucket, "", slog.Default()), cleanup, nil
}

// newBrowserUploader launches a browser configured for the account. An
// invalid proxy is dropped with a warning instead of failing the run.
func newBrowserUploader(account pin.Account, headless bool, log *slog.Logger) (*browser.Uploader, error) {
	proxy := account.Proxy
	if proxy != "" {
		if _, err := client.ParseProxy(proxy); err != nil {
			log.Warn("Ignoring invalid proxy", "proxy", proxy, "error", err)
			proxy = ""
		}
	}
	return browser.New(browser.Config{
		Headless:  headless,
		UserAgent: account.UserAgent,
		Proxy:     proxy,
		Logger:    log,
	})
}

// captureSession performs a one-off browser login and persists the
// captured cookies for future direct-mode runs.
func captureSession(ctx context.Context, store *session.Store, account pin.Account, headless bool, log *slog.Logger) ([]session.Cookie, error) {
	up, err := newBrowserUploader(account, headless, log)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(up, log)

	cookies, err := up.Login(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("browser login: %w", err)
	}
	persistSession(ctx, store, account.Email, nil, cookies, log)
	return cookies, nil
}

// persistSession saves freshly captured cookies. Reused sessions are not
// rewritten, and a save failure only costs the next run a login.
func persistSession(ctx context.Context, store *session.Store, email string, previous, captured []session.Cookie, log *slog.Logger) {
	if len(previous) > 0 {
		return
	}
	if err := store.Save(ctx, email, captured); err != nil {
		log.Warn("Could not persist session, next run will log in again", "error", err)
	}
}

func closeQuietly(up *browser.Uploader, log *slog.Logger) {
	if err := up.Close(); err != nil {
		log.Warn("Closing browser failed", "error", err)
	}
}

// printReport renders the batch result, failures in red with the file and
// reason so they can be retried by hand.
func printReport(account pin.Account, report pin.Report) {
	header := fmt.Sprintf("%s: %d published, %d failed", account.Email, report.Succeeded(), report.Failed())
	if report.Failed() == 0 {
		fmt.Println(styleOK.Render(header))
	} else {
		fmt.Println(styleFail.Render(header))
	}
	if report.Clamped {
		fmt.Println(styleWarn.Render("  pin limit exceeded the queued rows; published everything available"))
	}
	for _, o := range report.Outcomes {
		if o.Kind == pin.OutcomeSuccess {
			continue
		}
		line := fmt.Sprintf("  %s: %s", o.Request.FilePath, o.Kind)
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		fmt.Println(styleFail.Render(line))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/dashboard"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/gateway"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/internal/config"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/internal/instance"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "fsgw",
		Usage: "HTTP gateway and disk map dashboard for the filesystem tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			execCommand,
			dashboardCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file named by --config and applies the global flags over it.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return cfg, err
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = "console"
	return zapCfg.Build()
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the gateway in front of the tool",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
		},
		&cli.StringFlag{
			Name:  "binary",
			Usage: "The tool executable.",
		},
		&cli.DurationFlag{
			Name:  "settle-interval",
			Usage: "How long to wait for output after writing a batch to the persistent session.",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Bound on a one-shot run.",
		},
		&cli.StringFlag{
			Name:  "disk-map",
			Usage: "The bitmap file the tool writes. Empty disables the disk map routes.",
		},
		&cli.StringFlag{
			Name:  "lock-file",
			Usage: "Refuse to start if another gateway holds this lock.",
		},
		&cli.BoolFlag{
			Name:  "eager",
			Usage: "Start the tool immediately instead of on the first request.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if ctx.IsSet("listen-addr") {
			cfg.ListenAddr = ctx.String("listen-addr")
		}
		if ctx.IsSet("binary") {
			cfg.Tool.Binary = ctx.String("binary")
		}
		if ctx.IsSet("settle-interval") {
			cfg.Session.SettleInterval.Duration = ctx.Duration("settle-interval")
		}
		if ctx.IsSet("timeout") {
			cfg.OneShot.Timeout.Duration = ctx.Duration("timeout")
		}
		if ctx.IsSet("disk-map") {
			cfg.Dashboard.DiskMap = ctx.String("disk-map")
		}
		if ctx.IsSet("lock-file") {
			cfg.LockFile = ctx.String("lock-file")
		}
		if ctx.IsSet("eager") {
			cfg.Session.Eager = ctx.Bool("eager")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()
		log := logger.Sugar()

		if cfg.LockFile != "" {
			lock, err := instance.Acquire(cfg.LockFile)
			if err != nil {
				return err
			}
			defer lock.Release()
		}

		command := cfg.Command()
		log.Infow("using tool", "Path", command.Path, "Dir", command.Dir)
		sess := session.New(command,
			session.WithSettleInterval(cfg.Session.SettleInterval.Duration),
			session.WithLogger(logger.Named("session").Sugar()),
		)
		defer sess.Close()
		oneShot := session.NewOneShot(command,
			session.WithTimeout(cfg.OneShot.Timeout.Duration),
			session.WithExitCommand(cfg.OneShot.ExitCommand),
			session.WithOneShotLogger(logger.Named("oneshot").Sugar()),
		)

		if cfg.Session.Eager {
			// a missing tool is reported per request, it must not keep the gateway down
			if err := sess.Start(); err != nil {
				log.Warnw("starting tool", "Error", err)
			}
		}

		opts := []gateway.Option{
			gateway.WithListenAddr(cfg.ListenAddr),
			gateway.WithLogger(logger),
		}
		if cfg.Dashboard.DiskMap != "" {
			opts = append(opts, gateway.WithDiskMap(cfg.Dashboard.DiskMap, cfg.Dashboard.Interval.Duration))
		}
		gw, err := gateway.New(sess, oneShot, opts...)
		if err != nil {
			return fmt.Errorf("building gateway: %w", err)
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		group, groupCtx := errgroup.WithContext(sigCtx)
		group.Go(func() error {
			return gw.Run(groupCtx)
		})
		group.Go(func() error {
			<-groupCtx.Done()
			log.Info("shutting down")
			return sess.Close()
		})
		return group.Wait()
	},
}

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "send commands to a running gateway",
	ArgsUsage: "COMMAND...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "The gateway address. Defaults to the configured listen address.",
		},
		&cli.BoolFlag{
			Name:  "once",
			Usage: "Run the commands in a fresh child instead of the persistent session.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		addr := cfg.ListenAddr
		if ctx.IsSet("addr") {
			addr = ctx.String("addr")
		}
		client, err := gateway.NewClient(logger.Sugar(), addr)
		if err != nil {
			return err
		}

		exec := client.Exec
		if ctx.Bool("once") {
			exec = client.ExecOnce
		}
		resp, err := exec(ctx.Context, ctx.Args().Slice())
		if err != nil {
			return err
		}
		fmt.Fprint(ctx.App.Writer, resp.Out)
		if !resp.OK {
			if !strings.HasSuffix(resp.Out, "\n") {
				fmt.Fprintln(ctx.App.Writer)
			}
			return cli.Exit("", 1)
		}
		return nil
	},
}

var dashboardCommand = &cli.Command{
	Name:  "dashboard",
	Usage: "draw the live disk map in the terminal",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "disk-map",
			Usage: "Poll this bitmap file.",
		},
		&cli.StringFlag{
			Name:  "addr",
			Usage: "Follow the disk map of the gateway at this address instead of a local file.",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "How often to poll the local file.",
		},
		&cli.IntFlag{
			Name:  "width",
			Usage: "Blocks per row.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if ctx.IsSet("disk-map") {
			cfg.Dashboard.DiskMap = ctx.String("disk-map")
		}
		if ctx.IsSet("interval") {
			cfg.Dashboard.Interval.Duration = ctx.Duration("interval")
		}
		if ctx.IsSet("width") {
			cfg.Dashboard.Width = ctx.Int("width")
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		draw := func(s dashboard.Snapshot) {
			// move home and clear before each frame
			fmt.Fprint(ctx.App.Writer, "\033[H\033[2J")
			fmt.Fprintln(ctx.App.Writer, dashboard.Render(s, cfg.Dashboard.Width))
		}
		draw(dashboard.Snapshot{Status: dashboard.StatusWaiting, UpdatedAt: time.Now()})

		if ctx.IsSet("addr") {
			client, err := gateway.NewClient(logger.Sugar(), ctx.String("addr"))
			if err != nil {
				return err
			}
			err = client.WatchDiskMap(sigCtx, draw)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if cfg.Dashboard.DiskMap == "" {
			return errors.New("either --disk-map or --addr is required")
		}
		var last *dashboard.Snapshot
		poller := &dashboard.Poller{
			Path:     cfg.Dashboard.DiskMap,
			Interval: cfg.Dashboard.Interval.Duration,
			Log:      logger.Named("diskmap").Sugar(),
		}
		err = poller.Run(sigCtx, func(s dashboard.Snapshot) {
			if last != nil && last.Same(s) {
				return
			}
			last = &s
			draw(s)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

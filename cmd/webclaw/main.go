package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/webclaw/internal/bus"
	"github.com/roelfdiedericks/webclaw/internal/cdp"
	"github.com/roelfdiedericks/webclaw/internal/config"
	"github.com/roelfdiedericks/webclaw/internal/dom"
	. "github.com/roelfdiedericks/webclaw/internal/logging"
	"github.com/roelfdiedericks/webclaw/internal/target"
	"github.com/roelfdiedericks/webclaw/internal/watchdog"
)

const version = "0.0.1"

type CLI struct {
	Config string `help:"Path to a config file." type:"path"`
	CDP    string `help:"Browser debug endpoint (ws:// or http://), overrides config."`
	Debug  bool   `help:"Enable debug logging."`

	Version VersionCmd `cmd:"" help:"Print the version."`
	Open    OpenCmd    `cmd:"" help:"Open a URL and print the indexed element snapshot."`
	Targets TargetsCmd `cmd:"" help:"List the browser's targets."`
}

type appContext struct {
	cfg *config.Config
}

func (a *appContext) targetOptions() target.Options {
	return target.Options{
		NavigateTimeout:    a.cfg.ResolveNavigateTimeout(),
		OpTimeout:          a.cfg.ResolveOpTimeout(),
		ValidateURLs:       a.cfg.ValidateURLsEnabled(),
		ScreenshotFormat:   a.cfg.Screenshot.Format,
		ScreenshotQuality:  a.cfg.Screenshot.Quality,
		ScreenshotMaxWidth: a.cfg.Screenshot.MaxWidth,
	}
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Printf("webclaw %s\n", version)
	return nil
}

type OpenCmd struct {
	URL        string `arg:"" help:"URL to open."`
	Screenshot string `help:"Save a screenshot to this file." type:"path"`
	Storage    string `help:"Persist storage state to this file." type:"path"`
}

func (o *OpenCmd) Run(app *appContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := cdp.Connect(ctx, app.cfg.CDP.Endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	b := bus.New()
	crash := watchdog.NewCrash(b)
	defer crash.Stop()

	mgr, err := target.NewManager(ctx, conn, b, app.targetOptions())
	if err != nil {
		return err
	}
	defer mgr.Close()

	id, err := mgr.CreateTarget(ctx, "")
	if err != nil {
		return err
	}
	sess, err := mgr.Attach(ctx, id)
	if err != nil {
		return err
	}

	storage := watchdog.NewStorage(b, sess, watchdog.StorageOptions{
		Path:       o.Storage,
		MaxBackups: app.cfg.Storage.MaxBackups,
	})
	if err := storage.Start(); err != nil {
		return err
	}
	defer storage.Stop()

	if err := sess.Navigate(ctx, o.URL); err != nil {
		return err
	}
	L_info("page loaded", "url", sess.URL(), "target", id)

	snap, err := dom.NewSnapshotter(sess).Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Print(snap.Render())

	if o.Screenshot != "" {
		data, err := sess.Screenshot(ctx, "")
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.Screenshot, data, 0644); err != nil {
			return err
		}
		L_info("screenshot saved", "path", o.Screenshot, "bytes", len(data))
	}

	if err := storage.Flush(ctx); err != nil {
		L_warn("storage flush failed", "error", err)
	}
	if err := sess.Close(ctx); err != nil {
		L_warn("target close failed", "error", err)
	}

	watchdog.NewTeardown(b, 5*time.Second).Shutdown()
	return nil
}

type TargetsCmd struct{}

func (t *TargetsCmd) Run(app *appContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := cdp.Connect(ctx, app.cfg.CDP.Endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	b := bus.New()
	defer b.Stop(true, time.Second)

	mgr, err := target.NewManager(ctx, conn, b, app.targetOptions())
	if err != nil {
		return err
	}
	defer mgr.Close()

	// Discovery events arrive just after setDiscoverTargets resolves
	time.Sleep(200 * time.Millisecond)

	for _, info := range mgr.ListTargets() {
		fmt.Printf("%-10s %-32s %s\n", info.State, info.ID, info.URL)
	}
	return nil
}

func main() {
	var cli CLI
	k := kong.Parse(&cli,
		kong.Name("webclaw"),
		kong.Description("Browser automation over the Chrome DevTools Protocol."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webclaw: %v\n", err)
		os.Exit(1)
	}
	if cli.CDP != "" {
		cfg.CDP.Endpoint = cli.CDP
	}

	level := LevelFromString(cfg.Log.Level)
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{
		Level:      level,
		ShowCaller: true,
	})

	L_debug("webclaw %s starting", version)
	L_object("config", cfg)

	k.FatalIfErrorf(k.Run(&appContext{cfg: cfg}))
}

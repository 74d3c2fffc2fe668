package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/bookbridge/readalong/internal/assets"
	"github.com/bookbridge/readalong/internal/audio"
	"github.com/bookbridge/readalong/internal/cache"
	"github.com/bookbridge/readalong/internal/store"
	"github.com/bookbridge/readalong/playback"
	"github.com/bookbridge/readalong/playback/calibration"
	"github.com/bookbridge/readalong/playback/session"
	psync "github.com/bookbridge/readalong/playback/sync"
	"github.com/bookbridge/readalong/ui"
	"github.com/bookbridge/readalong/utils"
)

// closers runs cleanup functions in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func executePlay(_ *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	book, start, err := bookFromArgs(args)
	if err != nil {
		return err
	}

	cfg, err := playback.LoadConfigFromViper()
	if err != nil {
		return err
	}
	if cfg, err = playback.ApplyEnv(cfg); err != nil {
		return err
	}
	levels, err := loadLevels()
	if err != nil {
		return err
	}

	var cleanup closers
	defer func() {
		if err := cleanup.close(); err != nil {
			log.Warn("cleanup failed", "err", err)
		}
	}()

	chunks := cache.FromConfig(cfg.Cache)
	svc, err := openAssets(&cleanup)
	if err != nil {
		return err
	}
	if dir, ok := svc.(*assets.DirService); ok {
		if err := dir.Watch(book.BookID, book.Level, book.VoiceID, chunks); err != nil {
			log.Warn("manifest changes will not be picked up", "err", err)
		}
	}

	profiles, err := openStore()
	if err != nil {
		return err
	}
	cleanup.add(profiles.Close)
	calib := calibration.New(cfg.Calibration, profiles, calibration.WithLogger(log.Default().WithPrefix("calibration")))
	cleanup.add(calib.Close)

	interactive := term.IsTerminal(int(os.Stdout.Fd())) && !viper.GetBool("plain")
	output, err := openOutput(viper.GetBool("silent") || !term.IsTerminal(int(os.Stdout.Fd())))
	if err != nil {
		return err
	}

	frames := psync.NewTickerScheduler(cfg.Sync.FrameRate)
	sess, err := session.New(cfg, session.Deps{
		Scheduler:  frames,
		Assets:     svc,
		Output:     output,
		Calibrator: calib,
		Cache:      chunks,
		Levels:     levels,
		Logger:     log.Default(),
	})
	if err != nil {
		return err
	}
	cleanup.add(sess.Close)
	sess.Subscribe(playback.ListenerFuncs{
		State: func(from, to playback.StateType, err error) {
			log.Debug("session state", "from", from, "to", to, "err", err)
		},
		Chunk: func(c *playback.AudioChunk) {
			log.Debug("chunk", "key", c.Key, "words", len(c.Words), "duration", c.Duration)
		},
	})

	if interactive {
		return runReader(ctx, cfg, sess, frames, book, start)
	}
	return runPlain(ctx, sess, book, start, os.Stdout)
}

func bookFromArgs(args []string) (playback.BookRef, int, error) {
	level, err := playback.ParseLevel(viper.GetString("level"))
	if err != nil {
		return playback.BookRef{}, 0, err
	}
	book := playback.BookRef{
		BookID:      args[0],
		Level:       level,
		VoiceID:     viper.GetString("voice"),
		TotalChunks: viper.GetInt("chunks"),
	}
	start := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return book, 0, fmt.Errorf("chunk must be a positive number, got %q", args[1])
		}
		start = n - 1
	}
	return book, start, nil
}

func loadLevels() (playback.Levels, error) {
	path := viper.GetString("levels_file")
	if path == "" {
		return playback.DefaultLevels(), nil
	}
	return playback.LoadLevels(utils.ExpandPath(path))
}

func openAssets(cleanup *closers) (playback.AssetService, error) {
	src := viper.GetString("assets")
	if src == "" {
		return nil, errors.New("no asset source: pass --assets or set assets in the config file")
	}

	if !utils.IsURL(src) {
		dir, err := assets.NewDirService(utils.DataPath(src, ""), log.Default())
		if err != nil {
			return nil, err
		}
		cleanup.add(dir.Close)
		return dir, nil
	}

	opts := assets.HTTPOptions{
		Timeout:           viper.GetDuration("http.timeout"),
		RequestsPerMinute: viper.GetInt("http.requests_per_minute"),
		Logger:            log.Default(),
	}
	if size := viper.GetString("http.cache_size"); size != "" && size != "0" {
		capacity, err := humanize.ParseBytes(size)
		if err != nil {
			return nil, fmt.Errorf("http.cache_size: %w", err)
		}
		dir, err := gap.NewScope(gap.User, "readalong").CacheDir()
		if err != nil {
			return nil, fmt.Errorf("unable to find cache directory: %w", err)
		}
		disk, err := cache.NewDiskCache(filepath.Join(dir, "manifests"), cache.DiskOptions{
			Capacity: int64(capacity), //nolint:gosec
			TTL:      viper.GetDuration("http.cache_ttl"),
			Logger:   log.Default().WithPrefix("disk-cache"),
		})
		if err != nil {
			return nil, err
		}
		if n := disk.Prune(); n > 0 {
			log.Debug("pruned expired manifests", "count", n)
		}
		cleanup.add(disk.Close)
		opts.Disk = disk
	}
	return assets.NewHTTPService(src, opts)
}

func openStore() (store.Store, error) {
	driver := viper.GetString("database.driver")
	dsn := viper.GetString("database.dsn")
	if dsn == "" {
		if driver != "sqlite3" {
			return nil, fmt.Errorf("database.dsn is required for %s", driver)
		}
		p, err := gap.NewScope(gap.User, "readalong").DataPath("readalong.db")
		if err != nil {
			return nil, fmt.Errorf("unable to find data directory: %w", err)
		}
		dsn = p
	} else if driver == "sqlite3" {
		dsn = utils.DataPath(dsn, dsn)
	}

	db, err := store.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	wb, err := store.NewWriteBehind(db, viper.GetDuration("database.flush_interval"), log.Default())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return wb, nil
}

func openOutput(silent bool) (playback.Output, error) {
	if silent {
		log.Debug("using simulated audio output")
		return audio.NewMockOutput(), nil
	}
	out, err := audio.NewOtoOutput(audio.DefaultOtoConfig(), log.Default())
	if err != nil {
		return nil, fmt.Errorf("unable to open audio device (try --silent): %w", err)
	}
	return out, nil
}

func runReader(ctx context.Context, cfg playback.Config, sess *session.Controller, frames ui.Frames, book playback.BookRef, start int) error {
	uiCfg, err := env.ParseAs[ui.Config]()
	if err != nil {
		return fmt.Errorf("error parsing config: %v", err)
	}
	uiCfg.EnableMouse = viper.GetBool("mouse")

	program, listener := ui.NewProgram(uiCfg, sess, cfg.Scroll, frames)
	sess.Subscribe(listener)

	go func() {
		if err := startAndPlay(ctx, sess, book, start); err != nil {
			log.Error("unable to start playback", "book", book.BookID, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("unable to run reader: %w", err)
	}
	return nil
}

func startAndPlay(ctx context.Context, sess *session.Controller, book playback.BookRef, start int) error {
	if err := sess.Start(ctx, book, start); err != nil {
		return err
	}
	if st := sess.State(); st.CanPlay() {
		return sess.Play()
	}
	return nil
}

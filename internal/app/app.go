// Package app wires the catalogue, delta engine, dispatcher, and admin
// channel into the single-threaded cooperative server loop (spec.md
// §5), the Go analogue of the original's boost::asio io_service run
// loop and its accept/flush/fifo/sighup handler chain.
package app

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/n-r-w/addonsrv/internal/admin"
	"github.com/n-r-w/addonsrv/internal/blacklist"
	"github.com/n-r-w/addonsrv/internal/catalogue"
	"github.com/n-r-w/addonsrv/internal/commit"
	"github.com/n-r-w/addonsrv/internal/config"
	"github.com/n-r-w/addonsrv/internal/delta"
	"github.com/n-r-w/addonsrv/internal/dispatch"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/transport"
	"github.com/n-r-w/lg"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

const flushInterval = 10 * time.Minute

// Start loads the catalogue, opens the listening socket and the admin
// channel, and runs until a "shut_down" admin command or a terminating
// signal arrives. configPath is kept around so a "reload" admin command
// or SIGHUP can re-read the same file the original's cfg_file_ does.
func Start(configPath string, cfg *config.Config, logger lg.Logger) {
	logger.Info("addonsrv %s", version)

	if err := commit.CleanupOrphans(cfg.DataRoot); err != nil {
		logger.Err(err)
	}

	cat := catalogue.New(logger, cfg.DataRoot, cfg.CompressLevel)
	if err := cat.Load(legacyCampaignsNode(cfg, logger)); err != nil {
		logger.Err(err)
		return
	}

	var bl *blacklist.Blacklist
	if cfg.BlacklistFile != "" {
		loaded, err := blacklist.Load(cfg.BlacklistFile)
		if err != nil {
			logger.Err(err)
		} else {
			bl = loaded
			logger.Info("app: using blacklist from %s", cfg.BlacklistFile)
		}
	}

	eng := delta.New(logger, cfg.DataRoot, cfg.CompressLevel, time.Duration(cfg.UpdatePackLifespan)*time.Second)

	// handlerMu serializes every network request and every admin command
	// against each other, the single mutex standing in for the original's
	// single io_service thread (spec.md §5): no two handlers' bodies ever
	// run at once, so AddonRecord fields mutated in place need no locking
	// of their own.
	handlerMu := &sync.Mutex{}

	readOnly := cfg.ReadOnly
	disp := &dispatch.Dispatcher{
		Log:            logger,
		Catalogue:      cat,
		Delta:          eng,
		Blacklist:      &bl,
		ReadOnly:       &readOnly,
		FeedbackURLFmt: cfg.FeedbackURLFormat,
		StatsExempt:    cfg.StatsExemptIPs,
		HookPostUpload: cfg.HookPostUpload,
		HookPostErase:  cfg.HookPostErase,
		Mu:             handlerMu,
	}

	ln, err := net.Listen("tcp", netAddr(cfg.Port))
	if err != nil {
		logger.Err(err)
		return
	}
	defer ln.Close()
	logger.Info("app: listening on %s, %d add-ons loaded", ln.Addr(), len(cat.List()))

	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }

	adminChan := openAdminChannel(cfg, logger, cat, &readOnly, &bl, configPath, disp, handlerMu)

	go cat.StartFlushLoop(flushInterval, stop)

	var eg errgroup.Group

	eg.Go(func() error {
		return acceptLoop(ln, disp, logger, cfg.DocumentSizeLimit, stop)
	})

	// Closing the listener is what unblocks acceptLoop's Accept. The admin
	// reader stays outside eg: it can sit blocked opening the FIFO with no
	// writer attached, and waiting on it would stall a signal shutdown.
	if adminChan != nil {
		go func() {
			if err := adminChan.Run(); err != nil && err != admin.ErrShutDown {
				logger.Err(err)
			}
			closeStop()
			ln.Close()
		}()
	}

	eg.Go(func() error {
		err := waitForSignal(logger, configPath, cfg, disp, stop)
		closeStop()
		ln.Close()
		return err
	})

	if err := eg.Wait(); err != nil && err != admin.ErrShutDown {
		logger.Err(err)
	}

	closeStop()
	if err := cat.Flush(); err != nil {
		logger.Err(err)
	}
	logger.Info("app: shutdown complete")
}

func openAdminChannel(cfg *config.Config, logger lg.Logger, cat *catalogue.Store, readOnly *bool,
	bl **blacklist.Blacklist, configPath string, disp *dispatch.Dispatcher, handlerMu *sync.Mutex) *admin.Channel {
	if cfg.ControlSocket == "" {
		return nil
	}
	if err := admin.Open(cfg.ControlSocket); err != nil {
		logger.Err(err)
		return nil
	}

	ch := &admin.Channel{
		Log:           logger,
		Path:          cfg.ControlSocket,
		Catalogue:     cat,
		ReadOnly:      readOnly,
		Blacklist:     bl,
		BlacklistPath: cfg.BlacklistFile,
		Mu:            handlerMu,
		ReloadConfig: func() error {
			reloaded, err := config.New(configPath, logger)
			if err != nil {
				return err
			}
			disp.StatsExempt = reloaded.StatsExemptIPs
			disp.FeedbackURLFmt = reloaded.FeedbackURLFormat
			disp.HookPostUpload = reloaded.HookPostUpload
			disp.HookPostErase = reloaded.HookPostErase
			return nil
		},
	}
	logger.Info("app: opened control channel at %s", cfg.ControlSocket)
	return ch
}

// acceptLoop accepts connections and runs the dispatcher's Handle in a
// goroutine per connection, mirroring the original's handle_new_client
// callback chain with Go's natural one-goroutine-per-connection model.
// Handle itself holds disp.Mu for its whole run, so these goroutines
// only parallelize socket accept/teardown: exactly one handler body,
// network or admin, executes at a time, matching the cooperative
// single-threaded model spec.md §5 requires.
func acceptLoop(ln net.Listener, disp *dispatch.Dispatcher, logger lg.Logger, sizeLimit int64, stop <-chan struct{}) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		go func() {
			defer conn.Close()
			c := transport.New(conn, sizeLimit)
			if err := disp.Handle(c, conn.RemoteAddr().String()); err != nil {
				logger.Err(err)
			}
		}()
	}
}

// waitForSignal blocks until SIGINT/SIGTERM (graceful shutdown) or
// SIGHUP (config reload) arrives, looping on SIGHUP the way the
// original's handle_sighup re-arms itself.
func waitForSignal(logger lg.Logger, configPath string, cfg *config.Config, disp *dispatch.Dispatcher, stop <-chan struct{}) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-stop:
			return nil
		case s := <-sig:
			if s == syscall.SIGHUP {
				logger.Info("app: SIGHUP caught, reloading configuration")
				if reloaded, err := config.New(configPath, logger); err != nil {
					logger.Err(err)
				} else {
					*cfg = *reloaded
					disp.StatsExempt = reloaded.StatsExemptIPs
					disp.FeedbackURLFmt = reloaded.FeedbackURLFormat
					disp.HookPostUpload = reloaded.HookPostUpload
					disp.HookPostErase = reloaded.HookPostErase
					logger.Info("app: reloaded configuration")
				}
				continue
			}
			logger.Info("app: shutdown signal received")
			return nil
		}
	}
}

func netAddr(port int) string {
	if port <= 0 {
		port = 15005
	}
	return ":" + strconv.Itoa(port)
}

// legacyCampaignsNode loads an optional pre-1.12 config document
// containing embedded "campaign" children, if LegacyConfigFile is set,
// so catalogue.Load can run the one-time migration. Most deployments
// have none, in which case this returns nil and Load is a normal read.
func legacyCampaignsNode(cfg *config.Config, logger lg.Logger) *doc.Node {
	if cfg.LegacyConfigFile == "" {
		return nil
	}
	raw, err := os.ReadFile(cfg.LegacyConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Err(err)
		}
		return nil
	}
	n, err := doc.Unmarshal(raw)
	if err != nil {
		logger.Err(err)
		return nil
	}
	return n.Child("campaigns")
}

// Command signald runs the adaptive signal cycle controller: it reads
// density, manual and emergency messages from the field link and publishes
// phase transitions back to it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/signal.control/internal/config"
	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/feed"
	"github.com/banshee-data/signal.control/internal/health"
	"github.com/banshee-data/signal.control/internal/linkmux"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/scheduler"
	"github.com/banshee-data/signal.control/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON controller config (defaults apply when empty)")
	dbPath      = flag.String("db", "signal.db", "Path to the sqlite journal (empty disables the journal)")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", ":8081", "gRPC health listen address (empty disables)")
	udpListen   = flag.String("udp", "", "UDP address for the density feed, e.g. :7400 (empty disables)")
	udpRcvBuf   = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	linkSpec    = flag.String("link", "", "Field link: mqtt://host:port broker, serial device path, tcp://host:port line bridge, or empty for none")
	baudRate    = flag.Int("baud", 9600, "Serial baud rate")
	dataBits    = flag.Int("data-bits", 8, "Serial data bits")
	stopBits    = flag.Int("stop-bits", 1, "Serial stop bits")
	parity      = flag.String("parity", "N", "Serial parity: N, E or O")
	devMode     = flag.Bool("dev", false, "Run against an in-process loopback link with synthetic density")
	devInterval = flag.Duration("dev-interval", 2*time.Second, "Synthetic density interval in dev mode")
	logFile     = flag.String("log-file", "", "Also write logs to this rotating file")
	logMaxSize  = flag.Int("log-max-size", monitoring.DefaultLogMaxSizeMB, "Rotate the log file at this size in MB")
	logBackups  = flag.Int("log-max-backups", monitoring.DefaultLogMaxBackups, "Rotated log files to keep")
	retention   = flag.Duration("journal-retention", 7*24*time.Hour, "Drop journal rows older than this (0 keeps everything)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const pruneInterval = time.Hour

func loadConfig(path string) (*config.SignalConfig, error) {
	if path == "" {
		return config.EmptySignalConfig(), nil
	}
	return config.LoadSignalConfig(path)
}

func portOptions() linkmux.PortOptions {
	return linkmux.PortOptions{
		BaudRate: *baudRate,
		DataBits: *dataBits,
		StopBits: *stopBits,
		Parity:   *parity,
	}
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("signald", version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *logFile != "" {
		closer, err := monitoring.TeeToFile(*logFile, monitoring.FileOptions{
			MaxSizeMB:  *logMaxSize,
			MaxBackups: *logBackups,
		})
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer closer.Close()
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var link linkmux.LinkMux
	var remote *devRemote
	if *devMode && *linkSpec == "" {
		mux, conn := linkmux.NewLoopback()
		link = mux
		defer conn.Close()
		// ids are filled in once the layout is known.
		remote = newDevRemote(conn, topicsFromConfig(cfg), nil, *devInterval, uint64(time.Now().UnixNano()))
	} else {
		link, err = linkmux.Open(ctx, *linkSpec, linkmux.OpenOptions{
			Port:    portOptions(),
			Filters: topicsFromConfig(cfg).Subscriptions(),
		})
		if err != nil {
			log.Fatalf("failed to open link %q: %v", *linkSpec, err)
		}
	}
	defer link.Close()

	var journal *db.DB
	if *dbPath != "" {
		journal, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer journal.Close()
	}

	c, err := newController(cfg, link, journal)
	if err != nil {
		log.Fatalf("failed to build controller: %v", err)
	}
	log.Printf("signald %s: pairs %v, timing %+v", version.String(), c.layout, c.sched.Timing())

	// The loopback remote must be reading before the startup transition
	// goes out.
	if remote != nil {
		remote.ids = c.layout.Intersections()
		go remote.run(ctx)
	}

	var wg sync.WaitGroup

	// a fatal scheduler error cancels everything else
	var schedErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := c.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			schedErr = err
			log.Printf("scheduler stopped: %v", err)
		}
		log.Print("scheduler routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor link: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.routeLink(ctx)
	}()

	if *udpListen != "" {
		l := feed.NewListener(feed.ListenerConfig{
			Address: *udpListen,
			RcvBuf:  *udpRcvBuf,
			Handler: c.router,
		})
		if err := l.Listen(); err != nil {
			log.Fatalf("failed to listen on %s: %v", *udpListen, err)
		}
		c.addStats("feed", func() any { return l.Stats() })
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("density feed stopped: %v", err)
			}
		}()
	}

	if *grpcListen != "" {
		checker := health.NewChecker()
		srv := grpc.NewServer()
		checker.Register(srv)

		wg.Add(2)
		go func() {
			defer wg.Done()
			checker.Track(ctx, c.sched.Running, time.Second)
		}()
		go func() {
			defer wg.Done()
			if err := health.ListenAndServe(ctx, srv, *grpcListen); err != nil {
				log.Printf("gRPC health server error: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.prune(ctx, *retention, pruneInterval)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		h, err := c.handler()
		if err != nil {
			log.Printf("failed to build HTTP handler: %v", err)
			stop()
			return
		}
		server := &http.Server{
			Addr:    *listen,
			Handler: h,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")

	if errors.Is(schedErr, scheduler.ErrPublishLost) {
		// deferred closes are skipped; the link and journal are released by exit.
		os.Exit(1)
	}
}

// Command udpfsd is the connection-less remote file-access server: it
// binds a UDP socket, serves byte-range read/insert/update/delete
// requests rooted at a fixed directory, and fans out MONITOR
// notifications to subscribed clients.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/udpfs/internal/cache"
	"github.com/matrix-org/udpfs/internal/config"
	"github.com/matrix-org/udpfs/internal/dispatch"
	"github.com/matrix-org/udpfs/internal/fileops"
	"github.com/matrix-org/udpfs/internal/monitor"
	"github.com/matrix-org/udpfs/internal/transport"
	"github.com/matrix-org/udpfs/internal/watch"
)

var (
	flagPort       = flag.Uint("port", 45600, "UDP port to bind on the loopback interface")
	flagDir        = flag.String("dir", "", "File-serving root directory (default: user home directory)")
	flagAtMostOnce = flag.Bool("at-most-once", false, "Enable the at-most-once response cache (default: at-least-once)")
	flagHost       = flag.String("server-host", "localhost", "Bind host")
	flagConfig     = flag.String("config", "", "Optional YAML config file providing defaults for the flags above")
	flagWatch      = flag.Bool("watch", false, "Watch the served directory for external file changes and notify monitors of them")
	flagVerbose    = flag.Bool("verbose", false, "Enable debug-level logging")
)

func main() {
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	dir, port, host, atMostOnce, watchEnabled, logLevel := resolveSettings(log)

	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			log.WithError(err).WithField("log_level", logLevel).Warn("invalid log_level in config; ignoring")
		} else {
			log.SetLevel(lvl)
		}
	}
	if *flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.WithField("dir", dir).Error("server directory does not exist")
		os.Exit(1)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		log.WithError(err).Error("failed to resolve server directory")
		os.Exit(1)
	}

	udp, err := transport.Listen(host, uint16(port))
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{"host": host, "port": port}).Error("failed to bind UDP socket")
		os.Exit(1)
	}

	store := fileops.NewStore(absDir)
	respCache := cache.New(atMostOnce)
	registry := monitor.NewRegistry(log)
	d := dispatch.New(store, respCache, registry, udp, log)

	log.WithFields(logrus.Fields{
		"dir": absDir, "addr": udp.LocalAddr(), "at_most_once": atMostOnce, "watch": watchEnabled,
	}).Info("udpfsd listening")

	var bridge *watch.Bridge
	stop := make(chan struct{})
	if watchEnabled {
		bridge, err = watch.NewBridge(absDir, registry, udp, log)
		if err != nil {
			log.WithError(err).Warn("failed to start watch bridge; continuing without external-change notifications")
		} else {
			d.SetWatchBridge(bridge)
			go bridge.Run(stop)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve() }()

	select {
	case <-sig:
		log.Info("udpfsd shutting down")
		close(stop)
		if bridge != nil {
			bridge.Close()
		}
		udp.Close()
		os.Exit(0)
	case err := <-serveErr:
		log.WithError(err).Error("udpfsd: serve loop exited")
		close(stop)
		if bridge != nil {
			bridge.Close()
		}
		os.Exit(1)
	}
}

// resolveSettings layers --config file values under CLI flags: a flag
// always overrides the same setting loaded from the file, since a flag
// is an explicit choice made at invocation time and the file is just a
// checked-in default.
func resolveSettings(log logrus.FieldLogger) (dir string, port uint, host string, atMostOnce, watchEnabled bool, logLevel string) {
	dir, port, host, atMostOnce, watchEnabled = *flagDir, *flagPort, *flagHost, *flagAtMostOnce, *flagWatch

	if *flagConfig != "" {
		f, err := config.Load(*flagConfig)
		if err != nil {
			log.WithError(err).WithField("config", *flagConfig).Warn("failed to load config file; using flags/defaults only")
		} else {
			if dir == "" && f.Dir != nil {
				dir = *f.Dir
			}
			if !isFlagSet("port") && f.Port != nil {
				port = uint(*f.Port)
			}
			if !isFlagSet("server-host") && f.ServerHost != nil {
				host = *f.ServerHost
			}
			if !isFlagSet("at-most-once") && f.AtMostOnce != nil {
				atMostOnce = *f.AtMostOnce
			}
			if !isFlagSet("watch") && f.Watch != nil {
				watchEnabled = *f.Watch
			}
			if f.LogLevel != nil {
				logLevel = *f.LogLevel
			}
		}
	}

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.WithError(err).Error("no --dir given and couldn't determine home directory")
			os.Exit(1)
		}
		dir = home
	}
	return dir, port, host, atMostOnce, watchEnabled, logLevel
}

// isFlagSet reports whether name was explicitly passed on the command
// line, as opposed to merely holding its zero-value default.
func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

package cli

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeffh/vfspreload/fs"
	"github.com/jeffh/vfspreload/ninep"
	"go.uber.org/zap"
)

type ServerConfig struct {
	LogConfig

	Addr string

	PrintTraceMessages   bool
	PrintTraceFSMessages bool
	PrintErrorMessages   bool

	StatCacheTTL time.Duration
	ReadOnly     bool
	MaxMsgSize   int

	Dialer ninep.Dialer // defaults to net
	Logger *zap.Logger
}

func (c *ServerConfig) SetFlags(f Flags) {
	if f == nil {
		f = &StdFlags{}
	}
	c.LogConfig.SetFlags(f)
	f.BoolVar(&c.PrintTraceMessages, "srv-trace", false, "Log every 9p message the server handles")
	f.BoolVar(&c.PrintTraceFSMessages, "srv-tracefs", false, "Log every file system operation")
	f.BoolVar(&c.PrintErrorMessages, "srv-err", true, "Log errors of the 9p server")
	f.DurationVar(&c.StatCacheTTL, "stat-cache", 0, "Cache stat results for this long (0 disables)")
	f.BoolVar(&c.ReadOnly, "readonly", false, "Reject opens for writing")
	f.IntVar(&c.MaxMsgSize, "msize", 0, "Largest 9p message to negotiate (0 uses the default)")
	f.StringVar(&c.Addr, "listen", "unix!/tmp/vfs.sock", "Dial string to listen on: unix!/path or tcp!host:port")
}

func (c *ServerConfig) logger() *zap.Logger {
	if c.Logger == nil {
		l, err := c.NewLogger()
		if err != nil {
			l = zap.NewNop()
		}
		c.Logger = l
	}
	return c.Logger
}

// Wraps fsys with the layers the flags ask for.
func (c *ServerConfig) wrap(fsys ninep.FileSystem) ninep.FileSystem {
	if c.ReadOnly {
		fsys = fs.ReadOnly(fsys)
	}
	if c.StatCacheTTL > 0 {
		fsys = fs.CachedStat(fsys, fs.WithStatTTL(c.StatCacheTTL))
	}
	if c.PrintTraceFSMessages {
		fsys = fs.TraceFs(fsys, c.logger().Named("fs"))
	}
	return fsys
}

func (c *ServerConfig) CreateServer(fsys ninep.FileSystem) *ninep.Server {
	log := c.logger().Named("9p")
	var loggable ninep.Loggable
	if c.PrintErrorMessages {
		loggable.ErrorLog = zap.NewStdLog(log)
	}
	if c.PrintTraceMessages {
		if l, err := zap.NewStdLogAt(log, zap.InfoLevel); err == nil {
			loggable.TraceLog = l
		}
	}
	return &ninep.Server{
		Loggable:   loggable,
		NewHandler: ninep.FileSystemHandler(c.wrap(fsys), loggable),
		MaxMsgSize: uint32(c.MaxMsgSize),
	}
}

// ListenAndServe serves until SIGINT or SIGTERM.
func (c *ServerConfig) ListenAndServe(srv *ninep.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	network, addr := ninep.ParseDialString(c.Addr)
	if network == "unix" {
		// a stale socket from an earlier run
		os.Remove(addr)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(c.Addr, c.Dialer) }()
	c.logger().Info("serving virtual filesystem", zap.String("listen", c.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		c.logger().Info("shutting down")
		err := srv.Close()
		if serveErr := <-errc; serveErr != nil && !errors.Is(serveErr, ninep.ErrServerClosed) {
			err = errors.Join(err, serveErr)
		}
		return err
	}
}

// BasicServerMain parses the command line, builds the file system and serves
// it. createfs runs after flag parsing so it can read its own flags.
func BasicServerMain(createfs func(log *zap.Logger) (ninep.FileSystem, error)) {
	var cfg ServerConfig
	cfg.SetFlags(nil)
	flag.Parse()

	log := cfg.logger()
	defer log.Sync()

	fsys, err := createfs(log)
	if err != nil {
		log.Fatal("failed to create file system", zap.Error(err))
	}
	if err := cfg.ListenAndServe(cfg.CreateServer(fsys)); err != nil {
		PrintError(os.Stderr, err)
		os.Exit(1)
	}
}

package preload

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jeffh/vfspreload/ninep"
	"go.uber.org/zap"
)

const (
	// Names the 9P endpoint serving the virtual filesystem, as a dial
	// string: "unix!/path/to/socket", "tcp!host:port" or a bare socket path.
	EnvServer = "SANDSTORM_VFS_SERVER"
	// Optional user name sent when attaching.
	EnvUser = "SANDSTORM_VFS_USER"
)

var ErrNoEndpoint = errors.New("preload: " + EnvServer + " is not set")

type Config struct {
	Addr       string
	User       string
	Aname      string
	MaxMsgSize uint32
	Dialer     ninep.Dialer
}

func ConfigFromEnv() (Config, error) {
	addr := os.Getenv(EnvServer)
	if addr == "" {
		return Config{}, ErrNoEndpoint
	}
	return Config{Addr: addr, User: os.Getenv(EnvUser)}, nil
}

// Session is the process's single connection to the virtual filesystem
// server. It is established once, on the loop, and never closed.
type Session struct {
	Loop   *Loop
	Logger *zap.Logger

	config func() (Config, error)

	once   sync.Once
	client *ninep.Client
	user   string
	aname  string
	err    error
}

func NewSession(loop *Loop, cfg Config, log *zap.Logger) *Session {
	return &Session{
		Loop:   loop,
		Logger: log,
		config: func() (Config, error) { return cfg, nil },
	}
}

// NewEnvSession reads its configuration from the environment on first use.
// A missing endpoint is fatal.
func NewEnvSession(loop *Loop, log *zap.Logger) *Session {
	return &Session{Loop: loop, Logger: log, config: ConfigFromEnv}
}

// Client returns the connected client, connecting on the first call. A
// failure to connect is returned to every caller; there is no retry.
func (s *Session) Client() (*ninep.Client, error) {
	s.once.Do(s.connect)
	return s.client, s.err
}

func (s *Session) connect() {
	cfg, err := s.config()
	if err != nil {
		if errors.Is(err, ErrNoEndpoint) {
			s.Logger.Fatal("no virtual filesystem endpoint configured", zap.String("env", EnvServer))
		}
		s.err = err
		return
	}

	c := &ninep.Client{
		MaxMsgSize: cfg.MaxMsgSize,
		Dialer:     cfg.Dialer,
		Loggable: ninep.Loggable{
			ErrorLog: zap.NewStdLog(s.Logger.Named("9p")),
		},
	}
	if s.Logger.Core().Enabled(zap.DebugLevel) {
		if l, err := zap.NewStdLogAt(s.Logger.Named("9p"), zap.DebugLevel); err == nil {
			c.TraceLog = l
		}
	}
	if err := c.Connect(cfg.Addr); err != nil {
		s.Logger.Error("failed to connect to virtual filesystem", zap.String("addr", cfg.Addr), zap.Error(err))
		s.err = fmt.Errorf("connect %s: %w", cfg.Addr, err)
		return
	}
	s.Logger.Debug("connected to virtual filesystem",
		zap.String("addr", cfg.Addr),
		zap.Uint32("msize", c.MaxMsgSize))
	s.client = c
	s.user, s.aname = cfg.User, cfg.Aname
}

// Root sends a Tattach for a fresh fid without waiting for the reply. The
// fid can be walked from right away.
func (s *Session) Root() (ninep.Fid, *ninep.Call, error) {
	c, err := s.Client()
	if err != nil {
		return ninep.NO_FID, nil, err
	}
	fid, err := c.AllocFid()
	if err != nil {
		return ninep.NO_FID, nil, err
	}
	return fid, c.SendAttach(fid, ninep.NO_FID, s.user, s.aname), nil
}

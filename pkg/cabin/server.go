package cabin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/raftcabin/cabin/internal/cabinserver"
	"github.com/raftcabin/cabin/pkg/transport"
)

// zerologWriterLevel filters writes below a configured level and supports
// swapping its underlying writer (for log file reopening on SIGHUP).
type zerologWriterLevel struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*zerologWriterLevel)(nil)

func newZerologWriterLevel(w io.Writer, l zerolog.Level) *zerologWriterLevel {
	return &zerologWriterLevel{w: w, l: l}
}

func (wl *zerologWriterLevel) Write(p []byte) (int, error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l >= wl.l {
		wl.m.Lock()
		defer wl.m.Unlock()
		if wl.w != nil {
			if lw, ok := wl.w.(zerolog.LevelWriter); ok {
				return lw.WriteLevel(l, p)
			}
			return wl.w.Write(p)
		}
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) SwapWriter(fn func(io.Writer) io.Writer) {
	wl.m.Lock()
	defer wl.m.Unlock()
	wl.w = fn(wl.w)
}

// configureLogging builds a logger per c's LogStdout*/LogFile* fields.
// reopen, if non-nil, reopens the log file and should be called again on
// SIGHUP to support log rotation.
func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{Out: os.Stdout}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, ferr := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); ferr == nil {
					if c.LogFileChmod != 0 {
						if cerr := f.Chmod(c.LogFileChmod); cerr != nil {
							fmt.Fprintf(os.Stderr, "error: chmod log file: %v\n", cerr)
						}
					}
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", ferr)
				}
				return nil
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

// Server is the cabind process: a cabinserver.Server plus the ambient
// logging and metrics exposition around it.
type Server struct {
	Config *Config
	Logger zerolog.Logger

	reopenLog func()
	inner     *cabinserver.Server
}

// New builds a Server from c. It does not start listening; call Run.
func New(c *Config) (*Server, error) {
	logger, reopen, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("cabin: configure logging: %w", err)
	}
	return &Server{
		Config:    c,
		Logger:    logger,
		reopenLog: reopen,
		inner:     cabinserver.New(logger, c.StorageCompress),
	}, nil
}

// HandleSIGHUP reopens the log file, for use as a signal handler.
func (s *Server) HandleSIGHUP() {
	if s.reopenLog != nil {
		s.reopenLog()
	}
}

// Inner returns the underlying protocol server, for tests and
// administrative access to its log directory.
func (s *Server) Inner() *cabinserver.Server { return s.inner }

// Run starts the RPC listener and, if metricsAddr is non-empty, a
// metrics-only HTTP listener on metricsAddr; when MetricsSecret is set,
// /metrics answers only requests carrying it. It blocks until ctx is
// canceled.
func (s *Server) Run(ctx context.Context, metricsAddr string) error {
	var wg sync.WaitGroup
	errch := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.inner.Run(ctx, s.Config.Addr); err != nil {
			select {
			case errch <- err:
			default:
			}
		}
	}()

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", s.serveMetrics)
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				select {
				case errch <- err:
				default:
				}
			}
		}()
	}

	select {
	case <-s.inner.Listening():
		go s.sdnotify("READY=1")
	case <-ctx.Done():
	case err := <-errch:
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errch:
		return err
	}

	go s.sdnotify("STOPPING=1")
	s.Logger.Info().Msg("shutting down")
	if metricsSrv != nil {
		metricsSrv.Shutdown(context.Background())
	}
	wg.Wait()
	return nil
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if secret := s.Config.MetricsSecret; secret != "" && r.URL.Query().Get("secret") != secret {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	var b bytes.Buffer
	metrics.WriteProcessMetrics(&b)
	s.inner.Metrics().WritePrometheus(&b)
	s.inner.RequestMetrics().WritePrometheus(&b)
	transport.WritePrometheus(&b)

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

// sdnotify sends state to $NOTIFY_SOCKET if configured, for systemd
// readiness/watchdog integration.
func (s *Server) sdnotify(state string) (bool, error) {
	if s.Config.NotifySocket == "" {
		return false, nil
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: s.Config.NotifySocket, Net: "unixgram"})
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}

// Package ipc exposes daemon control via JSON-RPC over a Unix domain
// socket: status, shutdown, forced cleanup passes, ledger listing, and
// recipient prompt answers.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"log/slog"

	"safegate/internal/daemon"
	"safegate/internal/logging"
)

// Server exposes daemon control over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, sup *daemon.Supervisor, logger *slog.Logger) (*Server, error) {
	if sup == nil {
		return nil, errors.New("ipc server requires a supervisor")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	svc := &service{supervisor: sup, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Safegate", svc); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve accepts RPC connections until the context is cancelled.
func (s *Server) Serve() {
	s.logger.Debug("listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
		)
	}
}

type service struct {
	supervisor *daemon.Supervisor
	logger     *slog.Logger
	ctx        context.Context
}

// Status reports the daemon's current state.
func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	record := s.supervisor.StatusStore().Snapshot()
	*resp = StatusResponse{
		Running:         s.supervisor.Running(),
		PID:             os.Getpid(),
		DaemonState:     string(record.DaemonState),
		Message:         record.Message,
		LastActivity:    record.LastActivity,
		UptimeStart:     record.UptimeStart,
		ProcessingCount: record.ProcessingCount,
		RecentErrors:    record.RecentErrors,
		QueueDepth:      s.supervisor.QueueDepth(),
		AwaitingAddress: s.supervisor.Prompter().Waiting(),
		StatusFile:      s.supervisor.StatusStore().Path(),
		LedgerPath:      s.supervisor.Ledger().Path(),
	}
	return nil
}

// Stop requests daemon shutdown.
func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.supervisor.RequestShutdown()
	resp.Stopped = true
	return nil
}

// CleanupNow forces an immediate cleanup pass.
func (s *service) CleanupNow(_ CleanupNowRequest, resp *CleanupNowResponse) error {
	ran, err := s.supervisor.Janitor().Tick(s.ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	resp.Triggered = ran
	if ran {
		resp.Message = "cleanup pass completed"
	} else {
		resp.Message = "cleanup pass already running"
	}
	return nil
}

// LedgerList returns the scheduled deletions.
func (s *service) LedgerList(_ LedgerListRequest, resp *LedgerListResponse) error {
	entries, err := s.supervisor.Ledger().List(s.ctx)
	if err != nil {
		return err
	}
	resp.Entries = make([]LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, LedgerEntry{
			RemoteRef:  entry.RemoteRef,
			Label:      entry.Label,
			UploadedAt: entry.UploadedAt,
			ExpiresAt:  entry.ExpiresAt,
			Attempts:   entry.Attempts,
			Stuck:      entry.Stuck,
			LastError:  entry.LastError,
		})
	}
	return nil
}

// Recipient resolves the pending recipient prompt.
func (s *service) Recipient(req RecipientRequest, resp *RecipientResponse) error {
	prompter := s.supervisor.Prompter()
	if req.Cancel {
		if err := prompter.Cancel(); err != nil {
			return err
		}
		resp.Accepted = true
		resp.Message = "prompt cancelled"
		return nil
	}
	if err := prompter.Provide(req.Address); err != nil {
		return err
	}
	resp.Accepted = true
	resp.Message = "recipient accepted"
	return nil
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	"github.com/rmacdonaldsmith/qmsg-go/internal/routingtable"
	pkgrt "github.com/rmacdonaldsmith/qmsg-go/pkg/routingtable"
)

var log = logging.Logger("qmsg/relay")

// ErrServerClosed is returned when starting a closed server
var ErrServerClosed = errors.New("relay server closed")

type session struct {
	remote pkgrt.Remote
	send   chan *Frame
}

// Server is the relay. Each connected stream is one remote in a Union
// routing table; publish frames are forwarded to every matching remote
// except the sender.
type Server struct {
	config  Config
	table   *routingtable.InMemoryTable
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[pkgrt.Remote]*session
	grpc     *grpc.Server
	listener net.Listener
	closed   bool
}

// NewServer creates a relay server. m may be nil.
func NewServer(config *Config, m *metrics.Metrics) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	s := &Server{
		config: configCopy,
		table: routingtable.NewInMemoryTable(routingtable.Config{
			Masks:  configCopy.Masks,
			Policy: pkgrt.Union,
		}),
		metrics:  m,
		sessions: make(map[pkgrt.Remote]*session),
	}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(configCopy.MaxMessageSize),
		grpc.MaxSendMsgSize(configCopy.MaxMessageSize),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddress, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			log.Errorf("relay serve: %v", err)
		}
	}()
	return nil
}

// Serve accepts connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listener = lis
	s.mu.Unlock()

	log.Infow("relay listening", "node", s.config.NodeID, "addr", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Routes returns the subscription table contents.
func (s *Server) Routes() []pkgrt.Entry {
	return s.table.Snapshot()
}

// Sessions returns the connected remotes.
func (s *Server) Sessions() []pkgrt.Remote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pkgrt.Remote, 0, len(s.sessions))
	for r := range s.sessions {
		out = append(out, r)
	}
	return out
}

// Connect serves one client stream.
func (s *Server) Connect(stream grpc.ServerStream) error {
	sess, err := s.open(stream.Context())
	if err != nil {
		return err
	}

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- s.write(stream, sess)
	}()

	readErr := s.read(stream, sess)

	// Forwarders hold the read lock while queueing, so once the session is
	// out of the map nothing else can send on it.
	s.closeSession(sess)
	close(sess.send)
	writeErr := <-writerDone

	if readErr != nil {
		return readErr
	}
	return writeErr
}

func (s *Server) open(ctx context.Context) (*session, error) {
	remote := remoteFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, status.Error(codes.Unavailable, ErrServerClosed.Error())
	}
	if _, taken := s.sessions[remote]; taken {
		remote.Host = remote.Host + "/" + uuid.NewString()
	}
	sess := &session{remote: remote, send: make(chan *Frame, s.config.SendQueueSize)}
	s.sessions[remote] = sess

	if s.metrics != nil {
		s.metrics.RelaySessions.Set(float64(len(s.sessions)))
	}
	log.Infow("relay session opened", "remote", remote)
	return sess, nil
}

func (s *Server) closeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.remote)
	n := len(s.sessions)
	s.mu.Unlock()

	removed := s.table.RemoveRemote(sess.remote)
	if s.metrics != nil {
		s.metrics.RelaySessions.Set(float64(n))
		s.metrics.RoutePrefixes.Set(float64(s.table.PrefixCount()))
	}
	log.Infow("relay session closed", "remote", sess.remote, "subscriptions", removed)
}

func remoteFromContext(ctx context.Context) pkgrt.Remote {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return pkgrt.NewRemote("unknown/"+uuid.NewString(), 0)
	}
	if r, err := pkgrt.RemoteFromAddr(p.Addr); err == nil {
		return r
	}
	// Addresses without a port, such as in-memory listeners.
	return pkgrt.NewRemote(p.Addr.String(), 0)
}

func (s *Server) read(stream grpc.ServerStream, sess *session) error {
	for {
		f := new(Frame)
		if err := stream.RecvMsg(f); err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		s.handle(sess, f)
	}
}

func (s *Server) handle(sess *session, f *Frame) {
	switch f.Type {
	case FrameRegister:
		log.Debugw("publisher registered", "remote", sess.remote, "name", f.Name)
	case FrameSubscribe:
		if err := s.table.Add(f.Name, f.Mask, sess.remote); err != nil {
			s.reject(sess, f, err)
			return
		}
		s.updateRouteGauge()
	case FrameUnsubscribe:
		if err := s.table.Remove(f.Name, f.Mask, sess.remote); err != nil {
			s.reject(sess, f, err)
			return
		}
		s.updateRouteGauge()
	case FramePublish:
		s.forward(sess.remote, f)
	default:
		s.reject(sess, f, fmt.Errorf("unexpected %s frame", f.Type))
	}
}

func (s *Server) forward(from pkgrt.Remote, f *Frame) {
	remotes := s.table.Find(f.Name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range remotes {
		if r == from {
			continue
		}
		target, ok := s.sessions[r]
		if !ok {
			continue
		}
		select {
		case target.send <- f:
			if s.metrics != nil {
				s.metrics.RelayForwarded.Inc()
			}
		default:
			log.Warnw("relay send queue full, dropping object", "remote", r, "name", f.Name, "object", f.ObjectID)
			if s.metrics != nil {
				s.metrics.RelayDropped.Inc()
			}
		}
	}
}

func (s *Server) reject(sess *session, f *Frame, err error) {
	log.Warnw("relay frame rejected", "remote", sess.remote, "type", f.Type, "name", f.Name, "err", err)
	reply := &Frame{Type: FrameError, Name: f.Name, Mask: f.Mask, Payload: []byte(err.Error())}
	select {
	case sess.send <- reply:
	default:
	}
}

func (s *Server) updateRouteGauge() {
	if s.metrics != nil {
		s.metrics.RoutePrefixes.Set(float64(s.table.PrefixCount()))
	}
}

// write sends queued frames. Sessions are only written from here, so frames
// reach a client in the order they were queued.
func (s *Server) write(stream grpc.ServerStream, sess *session) error {
	for f := range sess.send {
		if err := stream.SendMsg(f); err != nil {
			// Keep draining so forwarders never block on a dead session.
			for range sess.send {
			}
			return err
		}
	}
	return nil
}

// Close stops the server, waiting up to the shutdown timeout for streams to
// finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.grpc.Stop()
	}
	return nil
}

// Package connection caches gRPC client connections, one per remote address,
// so agents and tools share a connection to each transaction manager.
package connection

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrManagerClosed = errors.New("connection manager is closed")

// Manager hands out one *grpc.ClientConn per address. A connection that was
// shut down or is in TransientFailure is replaced on the next Get.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	logger   *zap.Logger
	closed   bool
}

// NewManager creates a connection manager. Without dial options connections
// are plaintext.
func NewManager(logger *zap.Logger, opts ...grpc.DialOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Manager{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
		logger:   logger.Named("connection"),
	}
}

// Get returns the cached connection for address, dialing a new one when
// there is none or the cached one is unusable.
func (m *Manager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if ok && usable(conn) {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	// Double-check after acquiring the write lock.
	if conn, ok := m.conns[address]; ok {
		if usable(conn) {
			return conn, nil
		}
		m.logger.Info("Replacing unusable connection",
			zap.String("address", address),
			zap.Stringer("state", conn.GetState()),
		)
		_ = conn.Close()
		delete(m.conns, address)
	}

	conn, err := grpc.NewClient(address, m.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	m.logger.Debug("Created connection", zap.String("address", address))
	return conn, nil
}

func usable(conn *grpc.ClientConn) bool {
	switch conn.GetState() {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return false
	default:
		return true
	}
}

// Close closes every cached connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	var errs []error
	for address, conn := range m.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", address, err))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}

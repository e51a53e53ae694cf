package redis

import (
	"context"
	"errors"
	"log/slog"
)

// Lifecycle holds the hooks a pool uses to manage connections.
//
// Make, Validate and Destroy are required. Activate and Passivate are optional
// extension points: a nil hook does nothing.
type Lifecycle struct {
	// Make creates a connected connection.
	Make func(ctx context.Context) (*Connection, error)

	// Validate reports whether an idle or returned connection can be handed out again.
	Validate func(conn *Connection) bool

	// Destroy releases a connection that left the pool for good.
	Destroy func(conn *Connection)

	// Activate runs on every borrow, before the connection is handed out.
	// An error destroys the connection and the borrow moves on to the next one.
	Activate func(conn *Connection) error

	// Passivate runs when a connection is returned, before validation.
	// An error destroys the connection.
	Passivate func(conn *Connection) error
}

func (lc Lifecycle) check() error {
	var errs []error
	if lc.Make == nil {
		errs = append(errs, errors.New("redis: lifecycle: Make is required"))
	}
	if lc.Validate == nil {
		errs = append(errs, errors.New("redis: lifecycle: Validate is required"))
	}
	if lc.Destroy == nil {
		errs = append(errs, errors.New("redis: lifecycle: Destroy is required"))
	}
	return errors.Join(errs...)
}

func (lc Lifecycle) activate(conn *Connection) error {
	if lc.Activate == nil {
		return nil
	}
	return lc.Activate(conn)
}

func (lc Lifecycle) passivate(conn *Connection) error {
	if lc.Passivate == nil {
		return nil
	}
	return lc.Passivate(conn)
}

// DefaultLifecycle returns the hooks for connections to addr:
// Make connects a new connection, Validate requires a live connection
// answering PING, Destroy closes the connection.
func DefaultLifecycle(addr string, cfg ConnConfig) Lifecycle {
	inst := newInstrumentation(addr, cfg.TracerProvider, cfg.MeterProvider)
	logger := cfg.logger().With("addr", addr)

	return Lifecycle{
		Make: func(ctx context.Context) (*Connection, error) {
			conn := newConnection(addr, cfg, inst)
			if err := conn.Connect(ctx); err != nil {
				return nil, err
			}
			return conn, nil
		},
		Validate: func(conn *Connection) bool {
			if !conn.IsConnected() {
				return false
			}
			if !conn.Ping() {
				logger.Error("redis: connection failed validation", "state", conn.State().String())
				return false
			}
			return true
		},
		Destroy: func(conn *Connection) {
			if conn.IsConnected() {
				logger.Debug("redis: closing connection")
			}
			_ = conn.Close()
		},
	}
}

// sessionResetter is the Passivate hook restoring the configured session state.
func sessionResetter(logger *slog.Logger) func(conn *Connection) error {
	return func(conn *Connection) error {
		if !conn.SessionChanged() {
			return nil
		}
		if err := conn.ResetSession(); err != nil {
			logger.Warn("redis: session reset failed", "addr", conn.Addr(), "error", err)
			return err
		}
		return nil
	}
}

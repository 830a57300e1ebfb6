// ABOUTME: Builds a client from configuration
// ABOUTME: Picks the Postgres or local SQLite backend and the matching change feed
package fieldops

import (
	"context"
	"fmt"

	"github.com/harperreed/fieldsync/config"
	"github.com/harperreed/fieldsync/db"
	"github.com/harperreed/fieldsync/logging"
	"github.com/harperreed/fieldsync/realtime"
)

// Connect opens the backend cfg describes and wires a client over it.
//
// With DatabaseURL set the client reads and writes Postgres; changes arrive from the
// hosted realtime socket when RealtimeURL is set, else from LISTEN/NOTIFY. Otherwise
// the local SQLite database at SQLitePath serves everything through an in-process hub.
func Connect(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithLogger(logger)}, opts...)

	if cfg.DatabaseURL == "" {
		hub := realtime.NewHub()
		local, err := db.OpenSQLite(cfg.SQLitePath, hub, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open local database: %w", err)
		}
		opts = append(opts, withCloser(func() { _ = local.Close() }))
		client, err := New(cfg, local, hub, opts...)
		if err != nil {
			_ = local.Close()
			return nil, err
		}
		return client, nil
	}

	remote, err := db.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	cleanup := []func(){remote.Close}

	var feeds realtime.ChannelFactory = realtime.NewPostgresFeed(remote.Pool(), logger)
	if cfg.RealtimeURL != "" {
		socket, err := realtime.NewSocketFeed(ctx, cfg.RealtimeURL, cfg.APIKey, realtime.DefaultSocketSettings(), logger)
		if err != nil {
			remote.Close()
			return nil, fmt.Errorf("failed to open realtime socket: %w", err)
		}
		// the socket closes before the pool
		cleanup = append([]func(){socket.Close}, cleanup...)
		feeds = socket
	}
	for _, fn := range cleanup {
		opts = append(opts, withCloser(fn))
	}

	client, err := New(cfg, remote, feeds, opts...)
	if err != nil {
		for _, fn := range cleanup {
			fn()
		}
		return nil, err
	}
	return client, nil
}

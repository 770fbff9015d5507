package arangodb

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
)

// Collection names used by the pipeline. Communication logs and campaigns are
// created upstream; the worker only makes sure the collections exist.
const (
	CollectionCustomers         = "customers"
	CollectionOrders            = "orders"
	CollectionCommunicationLogs = "communication_logs"
	CollectionCampaigns         = "campaigns"
)

var collections = []string{
	CollectionCustomers,
	CollectionOrders,
	CollectionCommunicationLogs,
	CollectionCampaigns,
}

type Client interface {
	// Setup operations
	EnsureDatabase(ctx context.Context) error
	EnsureCollections(ctx context.Context) error

	// Exec runs a write query and discards any result rows.
	Exec(ctx context.Context, query string, bindVars map[string]any) error
	// Query runs query and calls onRow once per result document; read
	// decodes the current document into its argument.
	Query(ctx context.Context, query string, bindVars map[string]any, onRow func(read func(doc any) error) error) error

	Close() error
}

type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

type client struct {
	arangoClient arangodb.Client
	db           arangodb.Database
	cfg          Config
}

func New(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))

	auth := connection.NewBasicAuth(cfg.Username, cfg.Password)
	if err := conn.SetAuthentication(auth); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}

	c := &client{
		arangoClient: arangodb.NewClient(conn),
		cfg:          cfg,
	}

	// The driver connects lazily; ask for the version so a bad URL or
	// credentials fail at startup instead of on the first batch.
	if _, err := c.arangoClient.Version(ctx); err != nil {
		return nil, fmt.Errorf("arangodb connect %s: %w", cfg.URL, err)
	}

	return c, nil
}

// Close is a no-op; the HTTP/2 connection has no explicit close.
func (c *client) Close() error {
	return nil
}

func (c *client) EnsureDatabase(ctx context.Context) error {
	start := time.Now()

	exists, err := c.arangoClient.DatabaseExists(ctx, c.cfg.Database)
	if err != nil {
		return fmt.Errorf("check database exists: %w", err)
	}

	if !exists {
		if _, err := c.arangoClient.CreateDatabase(ctx, c.cfg.Database, nil); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		slog.InfoContext(ctx, "arangodb database created",
			"database", c.cfg.Database,
			"duration_ms", time.Since(start).Milliseconds())
	}

	db, err := c.arangoClient.GetDatabase(ctx, c.cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("get database: %w", err)
	}
	c.db = db

	return nil
}

func (c *client) EnsureCollections(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	for _, name := range collections {
		exists, err := c.db.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check collection %s exists: %w", name, err)
		}
		if exists {
			continue
		}

		colType := arangodb.CollectionTypeDocument
		if _, err := c.db.CreateCollectionV2(ctx, name, &arangodb.CreateCollectionPropertiesV2{Type: &colType}); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		slog.InfoContext(ctx, "arangodb collection created", "collection", name)
	}

	return nil
}

func (c *client) Exec(ctx context.Context, query string, bindVars map[string]any) error {
	return c.Query(ctx, query, bindVars, nil)
}

func (c *client) Query(ctx context.Context, query string, bindVars map[string]any, onRow func(read func(doc any) error) error) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	cursor, err := c.db.Query(ctx, query, &arangodb.QueryOptions{
		BindVars: bindVars,
	})
	if err != nil {
		return fmt.Errorf("execute query: %w", err)
	}
	defer cursor.Close()

	if onRow == nil {
		return nil
	}

	read := func(doc any) error {
		if _, err := cursor.ReadDocument(ctx, doc); err != nil {
			return fmt.Errorf("read document: %w", err)
		}
		return nil
	}
	for cursor.HasMore() {
		if err := onRow(read); err != nil {
			return err
		}
	}
	return nil
}

// QueryAll collects every result document of query as a T.
func QueryAll[T any](ctx context.Context, c Client, query string, bindVars map[string]any) ([]T, error) {
	var out []T
	err := c.Query(ctx, query, bindVars, func(read func(doc any) error) error {
		var doc T
		if err := read(&doc); err != nil {
			return err
		}
		out = append(out, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Key derives a document key from an external identifier. External ids may
// contain characters ArangoDB rejects in _key, so they are hashed.
func Key(externalID string) string {
	hash := md5.Sum([]byte(externalID))
	return hex.EncodeToString(hash[:])
}

package cache

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/storage"
)

const createTradesTable = `
	CREATE TABLE IF NOT EXISTS trades (
		tx_hash      String,
		timestamp    DateTime64(3),
		block_number UInt64,
		market       LowCardinality(String),
		token        String,
		venue        LowCardinality(String),
		mode         LowCardinality(String),
		trader       String,
		amount_in    UInt256,
		amount_out   UInt256,
		price        String,
		execution_id String,
		chunk_index  UInt32,
		source       LowCardinality(String)
	) ENGINE = ReplacingMergeTree
	ORDER BY (market, tx_hash, trader)
`

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Logger   *logrus.Logger
}

// ClickHouseStore is the trade history store.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *logrus.Logger
}

func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("connected to ClickHouse")

	return &ClickHouseStore{conn: conn, logger: cfg.Logger}, nil
}

// EnsureSchema creates the trades table if it does not exist.
func (c *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, createTradesTable); err != nil {
		return fmt.Errorf("create trades table: %w", err)
	}
	return nil
}

func (c *ClickHouseStore) InsertTrade(ctx context.Context, trade *models.TradeEvent) error {
	amountIn, err := parseAmount(trade.AmountIn)
	if err != nil {
		return fmt.Errorf("amount_in: %w", err)
	}
	amountOut, err := parseAmount(trade.AmountOut)
	if err != nil {
		return fmt.Errorf("amount_out: %w", err)
	}

	query := `
		INSERT INTO trades (
			tx_hash, timestamp, block_number, market, token, venue, mode,
			trader, amount_in, amount_out, price, execution_id, chunk_index, source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = c.conn.Exec(ctx, query,
		trade.TxHash,
		trade.Timestamp,
		trade.BlockNumber,
		trade.Market,
		trade.Token,
		trade.Venue,
		string(trade.Mode),
		trade.Trader,
		amountIn,
		amountOut,
		trade.Price,
		trade.ExecutionID,
		uint32(trade.ChunkIndex),
		trade.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (c *ClickHouseStore) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseStore) Close() error {
	return c.conn.Close()
}

// parseAmount decodes a base-unit amount; empty means zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

var _ storage.TradeStore = (*ClickHouseStore)(nil)

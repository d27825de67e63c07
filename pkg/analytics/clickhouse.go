package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

const (
	VerifyLogTableName = "proofcaptcha.verify_logs"

	VerifyLogBatchSize    = 100
	maxVerifyLogBatchSize = 100_000
)

// VerifyRecord is one row of the verification time series.
type VerifyRecord struct {
	ApiKeyID    string
	ChallengeID string
	Success     bool
	ErrorCode   string
	IP          string
	Country     string
	TimeToSolve int64
	Timestamp   time.Time
}

type ClickHouseConnectOpts struct {
	Host     string
	Database string
	User     string
	Password string
	Port     int
	Verbose  bool
}

func (opts *ClickHouseConnectOpts) Empty() bool {
	return (len(opts.Host) == 0) &&
		(len(opts.Database) == 0) &&
		(len(opts.User) == 0) &&
		(len(opts.Password) == 0)
}

func ConnectClickHouse(ctx context.Context, opts ClickHouseConnectOpts) *sql.DB {
	slog.DebugContext(ctx, "Connecting to ClickHouse", "host", opts.Host, "db", opts.Database, "user", opts.User)

	port := opts.Port
	if port == 0 {
		port = 9000
	}

	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%v", opts.Host, port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		ReadTimeout: 15 * time.Second,
		DialTimeout: 30 * time.Second,
		Debug:       opts.Verbose,
		Debugf: func(format string, v ...any) {
			slog.Log(context.TODO(), common.LevelTrace, fmt.Sprintf(format, v...), common.TraceIDAttr("clickhouse"))
		},
	}

	conn := clickhouse.OpenDB(options)
	conn.SetMaxIdleConns(5)
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(time.Hour)
	return conn
}

// VerifyLogSink streams verification records into ClickHouse in batches.
// A nil sink is a valid no-op so deployments without ClickHouse just skip
// the time series.
type VerifyLogSink struct {
	clickhouse  *sql.DB
	logChan     chan *VerifyRecord
	flushCancel context.CancelFunc
}

func NewVerifyLogSink(conn *sql.DB) *VerifyLogSink {
	return &VerifyLogSink{
		clickhouse:  conn,
		logChan:     make(chan *VerifyRecord, 10*VerifyLogBatchSize),
		flushCancel: func() {},
	}
}

func (s *VerifyLogSink) Start(flushInterval time.Duration) {
	var flushCtx context.Context
	flushCtx, s.flushCancel = context.WithCancel(
		context.WithValue(context.Background(), common.TraceIDContextKey, "verify_log_flush"))

	go common.ProcessBatchArray(flushCtx, s.logChan, flushInterval, VerifyLogBatchSize, maxVerifyLogBatchSize, s.WriteVerifyLogBatch)
}

func (s *VerifyLogSink) Shutdown() {
	slog.Debug("Shutting down verify log sink")
	s.flushCancel()
	close(s.logChan)
}

func (s *VerifyLogSink) Observe(record *VerifyRecord) {
	if s == nil {
		return
	}

	select {
	case s.logChan <- record:
	default:
		// never block a verification on the time series
	}
}

func (s *VerifyLogSink) WriteVerifyLogBatch(ctx context.Context, records []*VerifyRecord) error {
	if len(records) == 0 {
		slog.WarnContext(ctx, "Attempt to insert empty verify batch")
		return nil
	}

	scope, err := s.clickhouse.Begin()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to begin batch insert", common.ErrAttr(err))
		return err
	}

	batch, err := scope.Prepare(fmt.Sprintf("INSERT INTO %s", VerifyLogTableName))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to prepare insert query", common.ErrAttr(err))
		return err
	}

	for i, r := range records {
		_, err = batch.Exec(r.ApiKeyID, r.ChallengeID, r.Success, r.ErrorCode, r.IP, r.Country, r.TimeToSolve, r.Timestamp.UTC())
		if err != nil {
			slog.ErrorContext(ctx, "Failed to exec insert for record", common.ErrAttr(err), "index", i)
			return err
		}
	}

	err = scope.Commit()
	if err == nil {
		slog.InfoContext(ctx, "Inserted batch of verify records", "size", len(records))
	} else {
		slog.ErrorContext(ctx, "Failed to insert verify log batch", common.ErrAttr(err))
	}

	return err
}

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"Lifeline-Treasury/internal/sink"
)

const (
	insertResultSQL = `INSERT INTO life_support_results
    (sink_key, attempt_id, kind, status, error_code, error_detail, tx_hash, payload, recorded_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	upsertLatestSQL = `INSERT INTO life_support_latest (sink_key, result_id, updated_at)
    VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE result_id = VALUES(result_id), updated_at = VALUES(updated_at)`
	selectLatestSQL = `SELECT r.attempt_id, r.kind, r.status, r.error_code, r.error_detail, r.tx_hash, r.payload, r.recorded_at
    FROM life_support_latest l
    JOIN life_support_results r ON r.id = l.result_id
    WHERE l.sink_key = ?`
)

// ResultRepository 将生命维持结果持久化到 MySQL。
type ResultRepository struct {
	db *sql.DB
}

// NewResultRepository 建立连接并执行迁移。
func NewResultRepository(ctx context.Context, cfg Config) (*ResultRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultRepository{db: db}, nil
}

// Close 释放数据库连接。
func (r *ResultRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Put 追加一条结果并更新该键的最新指针。
func (r *ResultRepository) Put(ctx context.Context, key string, rec sink.Record) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("结果仓库未初始化")
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	res, err := tx.ExecContext(ctx, insertResultSQL,
		key, rec.AttemptID, rec.Kind, rec.Status, rec.ErrorCode, rec.ErrorDetail, rec.TxHash,
		nullablePayload(rec.Payload), recordedAt.UnixMilli())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("写入结果失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("获取结果 ID 失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertLatestSQL, key, id, recordedAt.UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("更新最新结果失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// Get 返回键下的最新结果。
func (r *ResultRepository) Get(ctx context.Context, key string) (sink.Record, bool, error) {
	if r == nil || r.db == nil {
		return sink.Record{}, false, fmt.Errorf("结果仓库未初始化")
	}
	var (
		rec        sink.Record
		payload    []byte
		recordedAt int64
	)
	err := r.db.QueryRowContext(ctx, selectLatestSQL, key).Scan(
		&rec.AttemptID, &rec.Kind, &rec.Status, &rec.ErrorCode, &rec.ErrorDetail, &rec.TxHash, &payload, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sink.Record{}, false, nil
	}
	if err != nil {
		return sink.Record{}, false, fmt.Errorf("查询最新结果失败: %w", err)
	}
	rec.Key = key
	if len(payload) > 0 {
		rec.Payload = append([]byte(nil), payload...)
	}
	rec.RecordedAt = time.UnixMilli(recordedAt).UTC()
	return rec, true, nil
}

func nullablePayload(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

var (
	_ sink.Sink   = (*ResultRepository)(nil)
	_ sink.Reader = (*ResultRepository)(nil)
)

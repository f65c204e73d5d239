package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresRuntimeRecordService is the default production
// RuntimeRecordService: it writes CreateRuntimeRecord step payloads to a
// generic append-only records table.
type PostgresRuntimeRecordService struct {
	db *sql.DB
}

// NewPostgresRuntimeRecordService wraps an already-migrated *sql.DB.
func NewPostgresRuntimeRecordService(db *sql.DB) *PostgresRuntimeRecordService {
	return &PostgresRuntimeRecordService{db: db}
}

func (s *PostgresRuntimeRecordService) CreateRuntimeRecordUnchecked(ctx context.Context, tenantID TenantID, entityLogicalName string, data JSONObject) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return WrapInternal("marshal runtime record data", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runtime_records (tenant_id, entity_logical_name, data, created_at)
		VALUES ($1, $2, $3, now())
	`, tenantID, entityLogicalName, dataJSON)
	if err != nil {
		return WrapInternal("insert runtime record", err)
	}
	return nil
}

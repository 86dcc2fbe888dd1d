// Package audit implements the engine's append-only audit trail: every
// calculation's parameters and result hash are recorded and never mutated
// or deleted by the engine. Retention is an operator concern, not the
// engine's.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// Store is the durable backing the audit trail writes through to.
type Store interface {
	InsertAuditRecord(ctx context.Context, r domain.AuditRecord) error
	QueryAuditRecords(ctx context.Context, f domain.AuditFilters) ([]domain.AuditRecord, error)
}

// Trail is the audit trail component.
type Trail struct {
	store Store
}

// New builds a Trail backed by store.
func New(store Store) *Trail { return &Trail{store: store} }

// Record computes stable hashes over the canonical encoding of parameters
// and result, persists the audit record, and returns its id.
func (t *Trail) Record(ctx context.Context, tenantID, entityID, action, actor string, parameters, result any) (string, error) {
	paramsHash, err := canonicalHash(parameters)
	if err != nil {
		return "", engineerr.InternalErr("hash audit parameters", err)
	}
	resultHash, err := canonicalHash(result)
	if err != nil {
		return "", engineerr.InternalErr("hash audit result", err)
	}

	record := domain.AuditRecord{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		EntityID:       entityID,
		Action:         action,
		ParametersHash: paramsHash,
		ResultHash:     resultHash,
		Timestamp:      time.Now().UTC(),
		Actor:          actor,
	}
	if err := t.store.InsertAuditRecord(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// Query supports lookups by tenant and time window.
func (t *Trail) Query(ctx context.Context, filters domain.AuditFilters) ([]domain.AuditRecord, error) {
	return t.store.QueryAuditRecords(ctx, filters)
}

// canonicalHash encodes v with msgpack (struct fields in declaration
// order, map keys sorted so the encoding never depends on Go's map
// iteration order) and hashes the bytes with sha256.
func canonicalHash(v any) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

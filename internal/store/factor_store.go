package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// PutFactor upserts a factor definition.
func (s *Store) PutFactor(ctx context.Context, f domain.Factor) error {
	_, err := s.execContext(ctx, `INSERT INTO factors (id, name, category) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category`, f.ID, f.Name, f.Category)
	if err != nil {
		return engineerr.DatabaseErr("put factor", err)
	}
	return nil
}

// PutFactorReturn upserts a factor return observation.
func (s *Store) PutFactorReturn(ctx context.Context, r domain.FactorReturn) error {
	_, err := s.execContext(ctx, `INSERT INTO factor_returns (factor_id, period_start, period_end, return_value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(factor_id, period_start, period_end) DO UPDATE SET return_value=excluded.return_value`,
		r.FactorID, r.PeriodStart.Unix(), r.PeriodEnd.Unix(), r.Return)
	if err != nil {
		return engineerr.DatabaseErr("put factor return", err)
	}
	return nil
}

// ListFactorReturns returns every observation for factorID within
// [start, end].
func (s *Store) ListFactorReturns(ctx context.Context, factorID string, start, end time.Time) ([]domain.FactorReturn, error) {
	rows, err := s.queryContext(ctx, `SELECT factor_id, period_start, period_end, return_value FROM factor_returns
		WHERE factor_id = ? AND period_start >= ? AND period_end <= ? ORDER BY period_start`,
		factorID, start.Unix(), end.Unix())
	if err != nil {
		return nil, engineerr.DatabaseErr("list factor returns", err)
	}
	defer rows.Close()

	var out []domain.FactorReturn
	for rows.Next() {
		var r domain.FactorReturn
		var ps, pe int64
		if err := rows.Scan(&r.FactorID, &ps, &pe, &r.Return); err != nil {
			return nil, engineerr.DatabaseErr("scan factor return", err)
		}
		r.PeriodStart = time.Unix(ps, 0).UTC()
		r.PeriodEnd = time.Unix(pe, 0).UTC()
		out = append(out, r)
	}
	return out, nil
}

// PutFactorExposure upserts a security's exposure to a factor as of a
// date.
func (s *Store) PutFactorExposure(ctx context.Context, e domain.FactorExposure) error {
	_, err := s.execContext(ctx, `INSERT INTO factor_exposures (security_id, factor_id, as_of, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(security_id, factor_id, as_of) DO UPDATE SET value=excluded.value`,
		e.SecurityID, e.FactorID, e.AsOf.Unix(), e.Value)
	if err != nil {
		return engineerr.DatabaseErr("put factor exposure", err)
	}
	return nil
}

// ListFactorExposures returns every factor exposure for securityID as of
// date.
func (s *Store) ListFactorExposures(ctx context.Context, securityID string, asOf time.Time) ([]domain.FactorExposure, error) {
	rows, err := s.queryContext(ctx, `SELECT security_id, factor_id, as_of, value FROM factor_exposures
		WHERE security_id = ? AND as_of = ?`, securityID, asOf.Unix())
	if err != nil {
		return nil, engineerr.DatabaseErr("list factor exposures", err)
	}
	defer rows.Close()

	var out []domain.FactorExposure
	for rows.Next() {
		var e domain.FactorExposure
		var asOfUnix int64
		if err := rows.Scan(&e.SecurityID, &e.FactorID, &asOfUnix, &e.Value); err != nil {
			return nil, engineerr.DatabaseErr("scan factor exposure", err)
		}
		e.AsOf = time.Unix(asOfUnix, 0).UTC()
		out = append(out, e)
	}
	return out, nil
}

// PutFactorCovariance persists a computed covariance matrix for an as_of
// date.
func (s *Store) PutFactorCovariance(ctx context.Context, cov domain.FactorCovariance) error {
	ids, err := json.Marshal(cov.FactorIDs)
	if err != nil {
		return engineerr.InternalErr("marshal factor ids", err)
	}
	matrix, err := json.Marshal(cov.Matrix)
	if err != nil {
		return engineerr.InternalErr("marshal covariance matrix", err)
	}
	_, err = s.execContext(ctx, `INSERT INTO factor_covariances (as_of, factor_ids, matrix) VALUES (?, ?, ?)
		ON CONFLICT(as_of) DO UPDATE SET factor_ids=excluded.factor_ids, matrix=excluded.matrix`,
		cov.AsOf.Unix(), ids, matrix)
	if err != nil {
		return engineerr.DatabaseErr("put factor covariance", err)
	}
	return nil
}

// GetFactorCovariance returns the persisted covariance matrix as of date,
// if any.
func (s *Store) GetFactorCovariance(ctx context.Context, asOf time.Time) (*domain.FactorCovariance, error) {
	row := s.queryRowContext(ctx, `SELECT factor_ids, matrix FROM factor_covariances WHERE as_of = ?`, asOf.Unix())
	var idsRaw, matrixRaw []byte
	if err := row.Scan(&idsRaw, &matrixRaw); err != nil {
		return nil, engineerr.NotFoundErr("no covariance persisted for as_of date")
	}

	var cov domain.FactorCovariance
	if err := json.Unmarshal(idsRaw, &cov.FactorIDs); err != nil {
		return nil, engineerr.InternalErr("unmarshal factor ids", err)
	}
	if err := json.Unmarshal(matrixRaw, &cov.Matrix); err != nil {
		return nil, engineerr.InternalErr("unmarshal covariance matrix", err)
	}
	cov.AsOf = asOf
	return &cov, nil
}

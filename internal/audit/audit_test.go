package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/domain"
)

type fakeStore struct {
	records []domain.AuditRecord
}

func (f *fakeStore) InsertAuditRecord(ctx context.Context, r domain.AuditRecord) error {
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStore) QueryAuditRecords(ctx context.Context, filters domain.AuditFilters) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	for _, r := range f.records {
		if filters.ResultHash != "" && r.ResultHash != filters.ResultHash {
			continue
		}
		if filters.TenantID != "" && r.TenantID != filters.TenantID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func TestRecord_ThenQueryByResultHash_ReturnsExactlyOne(t *testing.T) {
	fs := &fakeStore{}
	trail := New(fs)

	id, err := trail.Record(context.Background(), "t1", "p1", "calculate", "system",
		map[string]string{"portfolio_id": "p1"}, map[string]float64{"twr": 0.1025})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	found, err := trail.Query(context.Background(), domain.AuditFilters{ResultHash: fs.records[0].ResultHash})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
}

func TestRecord_DeterministicHash(t *testing.T) {
	fs := &fakeStore{}
	trail := New(fs)

	params := map[string]string{"portfolio_id": "p1"}
	result := map[string]float64{"twr": 0.1025}

	_, err := trail.Record(context.Background(), "t1", "p1", "calculate", "system", params, result)
	require.NoError(t, err)
	_, err = trail.Record(context.Background(), "t1", "p1", "calculate", "system", params, result)
	require.NoError(t, err)

	require.Len(t, fs.records, 2)
	assert.Equal(t, fs.records[0].ParametersHash, fs.records[1].ParametersHash)
	assert.Equal(t, fs.records[0].ResultHash, fs.records[1].ResultHash)
}

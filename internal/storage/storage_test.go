package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usinatech/vigia/internal/model"
)

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 1},
		{1, 1},
		{250, 250},
		{500, 500},
		{501, 500},
		{9999, 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, clampLimit(tc.in), "clampLimit(%d)", tc.in)
	}
}

func TestBuildAlertWhereClause(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	t.Run("clientId only", func(t *testing.T) {
		where, args := buildAlertWhereClause(AlertFilters{ClientID: "cli-1"}, 1)
		assert.Equal(t, " WHERE client_id = $1", where)
		assert.Equal(t, []any{"cli-1"}, args)
	})

	t.Run("all filters", func(t *testing.T) {
		where, args := buildAlertWhereClause(AlertFilters{
			ClientID: "cli-1",
			TagName:  "TempVat01",
			Site:     "Recepção",
			Start:    &start,
			End:      &end,
		}, 1)
		assert.Equal(t,
			` WHERE client_id = $1 AND tag_name = $2 AND site = $3 AND "timestamp" >= $4 AND "timestamp" <= $5`,
			where)
		require.Len(t, args, 5)
		assert.Equal(t, "cli-1", args[0])
		assert.Equal(t, "TempVat01", args[1])
		assert.Equal(t, "Recepção", args[2])
		assert.Equal(t, start, args[3])
		assert.Equal(t, end, args[4])
	})

	t.Run("placeholders follow startIdx", func(t *testing.T) {
		where, args := buildAlertWhereClause(AlertFilters{ClientID: "c", TagName: "t"}, 3)
		assert.Equal(t, " WHERE client_id = $3 AND tag_name = $4", where)
		assert.Len(t, args, 2)
	})
}

func sampleAt(ts time.Time, tag string) model.AlertSample {
	return model.AlertSample{Timestamp: ts, TagName: tag}
}

func TestMergeByTimestampDesc(t *testing.T) {
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	a := []model.AlertSample{
		sampleAt(base.Add(3*time.Minute), "a3"),
		sampleAt(base.Add(1*time.Minute), "a1"),
	}
	b := []model.AlertSample{
		sampleAt(base.Add(4*time.Minute), "b4"),
		sampleAt(base.Add(2*time.Minute), "b2"),
	}

	merged := mergeByTimestampDesc([][]model.AlertSample{a, b}, 100)
	var tags []string
	for _, s := range merged {
		tags = append(tags, s.TagName)
	}
	assert.Equal(t, []string{"b4", "a3", "b2", "a1"}, tags)

	for i := 1; i < len(merged); i++ {
		assert.False(t, merged[i].Timestamp.After(merged[i-1].Timestamp),
			"timestamps must be non-increasing")
	}
}

func TestMergeByTimestampDescTruncates(t *testing.T) {
	base := time.Now().UTC()
	var big []model.AlertSample
	for i := range 10 {
		big = append(big, sampleAt(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("t%d", i)))
	}

	merged := mergeByTimestampDesc([][]model.AlertSample{big}, 3)
	require.Len(t, merged, 3)
	assert.Equal(t, "t9", merged[0].TagName)
	assert.Equal(t, "t7", merged[2].TagName)
}

func TestMergeByTimestampDescEmptyInputs(t *testing.T) {
	merged := mergeByTimestampDesc(nil, 5)
	assert.NotNil(t, merged)
	assert.Empty(t, merged)

	merged = mergeByTimestampDesc([][]model.AlertSample{nil, {}}, 5)
	assert.Empty(t, merged)
}

func TestDedupeByDSN(t *testing.T) {
	shared := "postgres://vigia:vigia@db:5432/vigia"

	t.Run("fallback areas collapse to one target", func(t *testing.T) {
		targets := dedupeByDSN([]AreaTarget{
			{Slug: "pasteurizacao", DSN: shared},
			{Slug: "utilidades", DSN: shared},
			{Slug: "recepcao", DSN: shared},
		})
		require.Len(t, targets, 1)
		assert.Equal(t, "pasteurizacao", targets[0].Slug)
	})

	t.Run("distinct databases keep declaration order", func(t *testing.T) {
		targets := dedupeByDSN([]AreaTarget{
			{Slug: "pasteurizacao", DSN: "postgres://db-a/alerts_pasteurizacao"},
			{Slug: "utilidades", DSN: shared},
			{Slug: "recepcao", DSN: shared},
		})
		require.Len(t, targets, 2)
		assert.Equal(t, "pasteurizacao", targets[0].Slug)
		assert.Equal(t, "utilidades", targets[1].Slug)
	})

	t.Run("empty input stays empty", func(t *testing.T) {
		assert.Empty(t, dedupeByDSN(nil))
	})
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetriable(errors.New("not a pg error")))
	assert.True(t, isRetriable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
}

func TestIsMissingTable(t *testing.T) {
	assert.True(t, isMissingTable(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isMissingTable(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isMissingTable(errors.New("boom")))
}

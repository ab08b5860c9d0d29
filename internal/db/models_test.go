package db

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func parseModel(t *testing.T, model any) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	return s
}

func TestEmbeddingRecordMapsToControlTable(t *testing.T) {
	s := parseModel(t, &EmbeddingRecord{})
	assert.Equal(t, "atabot.embeddings", s.Table)

	f := s.LookUpField("SourceTable")
	require.NotNil(t, f)
	assert.Equal(t, "table_name", f.DBName)
}

func TestSyncStatusRecordMapsToControlTable(t *testing.T) {
	s := parseModel(t, &SyncStatusRecord{})
	assert.Equal(t, "atabot.sync_status", s.Table)

	f := s.LookUpField("SourceTable")
	require.NotNil(t, f)
	assert.Equal(t, "table_name", f.DBName)
	assert.True(t, f.PrimaryKey)

	f = s.LookUpField("SchemaName")
	require.NotNil(t, f)
	assert.True(t, f.PrimaryKey, "sync status is keyed by schema and table")
}

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSQLAcceptsSelects(t *testing.T) {
	for _, q := range []string{
		`SELECT COUNT(*) FROM "public"."products"`,
		`select * from "public"."orders" limit 10`,
		`WITH recent AS (SELECT * FROM "public"."orders") SELECT COUNT(*) FROM recent`,
	} {
		assert.NoError(t, ValidateSQL(q), q)
	}
}

func TestValidateSQLRejectsWrites(t *testing.T) {
	for _, q := range []string{
		`DROP TABLE products`,
		`DELETE FROM orders`,
		`SELECT * FROM products; DROP TABLE products`,
		`INSERT INTO products VALUES (1)`,
		`SELECT 1; UPDATE products SET price = 0`,
		`TRUNCATE orders`,
		`SELECT * FROM products WHERE id IN (SELECT id FROM x); DELETE FROM y`,
		``,
		`EXPLAIN ANALYZE SELECT 1`,
	} {
		assert.ErrorIs(t, ValidateSQL(q), ErrDangerousSQL, q)
	}
}

func TestValidateSQLRejectsWriteKeywordsInsideSelect(t *testing.T) {
	// A write keyword anywhere fails, even inside a syntactically read-only
	// statement. Over-rejection is the accepted trade-off.
	assert.Error(t, ValidateSQL(`SELECT * FROM products WHERE name = 'drop zone'`))
}

func TestEnsureLimitAppendsWhenMissing(t *testing.T) {
	assert.Equal(t,
		`SELECT * FROM "public"."products" LIMIT 100`,
		EnsureLimit(`SELECT * FROM "public"."products"`, 100))
}

func TestEnsureLimitKeepsExistingLimit(t *testing.T) {
	q := `SELECT * FROM "public"."products" LIMIT 5`
	assert.Equal(t, q, EnsureLimit(q, 100))
}

func TestEnsureLimitLeavesPlainAggregatesAlone(t *testing.T) {
	q := `SELECT COUNT(*) FROM "public"."products"`
	assert.Equal(t, q, EnsureLimit(q, 100))

	grouped := `SELECT category, COUNT(*) FROM "public"."products" GROUP BY category`
	assert.Equal(t, grouped+" LIMIT 100", EnsureLimit(grouped, 100))
}

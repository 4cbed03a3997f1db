package db

import (
	"errors"
	"testing"

	"github.com/slyretail/fiscalbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: sales.receipt_number")))
	assert.True(t, IsDuplicateKeyErr(errors.New(`duplicate key value violates unique constraint "ux_sales_receipt"`)))
	assert.True(t, IsDuplicateKeyErr(errors.New("Error 1062: Duplicate entry")))
	assert.False(t, IsDuplicateKeyErr(errors.New("connection refused")))
}

func TestDialectSelection(t *testing.T) {
	for dbType, want := range map[string]string{
		"postgres": "postgres",
		"mysql":    "mysql",
		"sqlite":   "sqlite",
	} {
		d, err := Dialect(config.Config{DBType: dbType, DBName: "fiscalbridge"})
		require.NoError(t, err, dbType)
		assert.Equal(t, want, d.Name())
	}

	_, err := Dialect(config.Config{DBType: "oracle"})
	assert.Error(t, err)
}

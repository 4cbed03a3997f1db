package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/slyretail/fiscalbridge/internal/sale/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRepo(t *testing.T) (domain.Repository, *gorm.DB, *snowflake.Node) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Sale{}, &domain.FailedReceipt{}))
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	return Provide(db, node), db, node
}

func testSale(tenantID snowflake.ID, receiptNumber string) *domain.Sale {
	return &domain.Sale{
		TenantID:      tenantID,
		ReceiptNumber: receiptNumber,
		ReceiptType:   domain.ReceiptTypeFiscalInvoice,
		Currency:      "USD",
		TotalAmount:   1000,
	}
}

func TestFindByReceiptAbsentReturnsNil(t *testing.T) {
	repo, _, node := newRepo(t)
	sale, err := repo.FindByReceipt(context.Background(), node.Generate(), "missing")
	require.NoError(t, err)
	assert.Nil(t, sale)
}

func TestSaveFailedCreatesAndBumpsLedger(t *testing.T) {
	repo, _, node := newRepo(t)
	tenant := node.Generate()

	s := testSale(tenant, "R-1")
	s.FiscalError = "timeout"
	require.NoError(t, repo.SaveFailed(context.Background(), s))

	failed, err := repo.FindFailed(context.Background(), tenant, "R-1")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "timeout", failed.FiscalError)

	s.FiscalError = "still down"
	require.NoError(t, repo.SaveFailed(context.Background(), s))

	failed, err = repo.FindFailed(context.Background(), tenant, "R-1")
	require.NoError(t, err)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, "still down", failed.FiscalError)

	sale, err := repo.FindByReceipt(context.Background(), tenant, "R-1")
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.False(t, sale.FiscalSubmitted)
}

func TestSaveSubmittedClearsLedgerRow(t *testing.T) {
	repo, _, node := newRepo(t)
	tenant := node.Generate()

	s := testSale(tenant, "R-2")
	s.FiscalError = "unreachable"
	require.NoError(t, repo.SaveFailed(context.Background(), s))

	s.FiscalError = ""
	s.FiscalGlobalNumber = 5
	require.NoError(t, repo.SaveSubmitted(context.Background(), s))

	// Submitted sale and ledger row must never coexist.
	failed, err := repo.FindFailed(context.Background(), tenant, "R-2")
	require.NoError(t, err)
	assert.Nil(t, failed)

	sale, err := repo.FindByReceipt(context.Background(), tenant, "R-2")
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.True(t, sale.FiscalSubmitted)
	assert.Equal(t, int64(5), sale.FiscalGlobalNumber)
}

func TestListFailedOrderedOldestFirst(t *testing.T) {
	repo, _, node := newRepo(t)
	tenant := node.Generate()

	for _, n := range []string{"R-3", "R-4", "R-5"} {
		s := testSale(tenant, n)
		s.FiscalError = "offline"
		require.NoError(t, repo.SaveFailed(context.Background(), s))
	}

	failed, err := repo.ListFailed(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Equal(t, "R-3", failed[0].ReceiptNumber)
	assert.Equal(t, "R-5", failed[2].ReceiptNumber)
}

func TestDeleteFailedIsScoped(t *testing.T) {
	repo, _, node := newRepo(t)
	tenantA := node.Generate()
	tenantB := node.Generate()

	for _, tenant := range []snowflake.ID{tenantA, tenantB} {
		s := testSale(tenant, "R-6")
		s.FiscalError = "offline"
		require.NoError(t, repo.SaveFailed(context.Background(), s))
	}

	require.NoError(t, repo.DeleteFailed(context.Background(), tenantA, "R-6"))

	gone, err := repo.FindFailed(context.Background(), tenantA, "R-6")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := repo.FindFailed(context.Background(), tenantB, "R-6")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

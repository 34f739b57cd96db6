package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/ranking"
)

func readSheet(t *testing.T, data []byte, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

func TestWriteListingAttempts(t *testing.T) {
	offerID := "offer-1"
	errMsg := "API error 422: bad"
	attempts := []database.ListingAttempt{
		{ID: "a", WarehouseItemID: "w-1", EAN: "5901234123457", ProductID: "p1", OfferID: &offerID, QuantityListed: 5, Status: "CREATED", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{ID: "b", WarehouseItemID: "w-2", ProductID: "p2", QuantityListed: 5, Status: "FAILED", Error: &errMsg},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteListingAttempts(&buf, attempts))

	rows := readSheet(t, buf.Bytes(), AttemptsSheet)
	require.Len(t, rows, 3)
	assert.Equal(t, "Warehouse Item", rows[0][1])
	assert.Equal(t, "2026-01-02T03:04:05Z", rows[1][0])
	assert.Equal(t, "offer-1", rows[1][4])
	assert.Equal(t, "5", rows[1][5])
	assert.Equal(t, "CREATED", rows[1][6])
	assert.Equal(t, "FAILED", rows[2][6])
	assert.Equal(t, errMsg, rows[2][7])
}

func TestWriteCandidates(t *testing.T) {
	ranked := ranking.RankProducts([]allegro.Product{
		{ID: "p1", Name: "Kubek", Images: []allegro.Image{{URL: "1"}}},
		{ID: "p2", Name: "Kubek duży", Images: []allegro.Image{{URL: "1"}, {URL: "2"}}},
	})
	ranking.AnnotateSimilarity(ranked, "Kubek")

	var buf bytes.Buffer
	require.NoError(t, WriteCandidates(&buf, "5901234123457", ranked))

	rows := readSheet(t, buf.Bytes(), CandidatesSheet)
	require.Len(t, rows, 3)
	assert.Equal(t, "p2", rows[1][2])
	assert.Equal(t, "1", rows[1][1])
	assert.Equal(t, "20", rows[1][4])
	assert.Equal(t, "p1", rows[2][2])
	assert.Contains(t, rows[2][8], "images")
}

func inventorySheet(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestReadInventory(t *testing.T) {
	data := inventorySheet(t, [][]interface{}{
		{"ID", "SKU", "Name", "EAN", "Stock", "TargetPrice"},
		{"w-1", "SKU-1", "Kubek", "5901234123457", 12, "24,99"},
		{"", "", "blank id is skipped"},
		{"w-2", "", "Talerz", "", 3, 10.5},
	})

	items, err := ReadInventory(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, database.InventoryItem{ID: "w-1", SKU: "SKU-1", Name: "Kubek", EAN: "5901234123457", TotalStock: 12, TargetPrice: 24.99}, items[0])
	assert.Equal(t, "w-2", items[1].ID)
	assert.Equal(t, 3, items[1].TotalStock)
	assert.Equal(t, 10.5, items[1].TargetPrice)
}

func TestReadInventory_ColumnOrderFromHeader(t *testing.T) {
	data := inventorySheet(t, [][]interface{}{
		{"name", "stock", "id"},
		{"Kubek", 7, "w-9"},
	})

	items, err := ReadInventory(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "w-9", items[0].ID)
	assert.Equal(t, 7, items[0].TotalStock)
}

func TestReadInventory_Errors(t *testing.T) {
	_, err := ReadInventory(bytes.NewReader(inventorySheet(t, [][]interface{}{{"SKU", "Name"}})))
	assert.ErrorContains(t, err, `"id"`)

	_, err = ReadInventory(bytes.NewReader(inventorySheet(t, [][]interface{}{
		{"ID", "Name", "Stock"},
		{"w-1", "Kubek", "many"},
	})))
	assert.ErrorContains(t, err, "row 2")

	_, err = ReadInventory(bytes.NewReader([]byte("not a spreadsheet")))
	assert.Error(t, err)
}

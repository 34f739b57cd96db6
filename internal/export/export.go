// Package export reads and writes the operator spreadsheets.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/ranking"
)

const (
	AttemptsSheet   = "Listing Attempts"
	CandidatesSheet = "Candidates"
)

// InventoryHeader is the expected first row of an inventory import
var InventoryHeader = []string{"ID", "SKU", "Name", "EAN", "Stock", "TargetPrice"}

func newSheet(sheet string, headers []string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}
	return f, nil
}

func setRow(f *excelize.File, sheet string, row int, values ...interface{}) error {
	cell, _ := excelize.CoordinatesToCellName(1, row)
	return f.SetSheetRow(sheet, cell, &values)
}

// WriteListingAttempts writes the audit history as xlsx
func WriteListingAttempts(w io.Writer, attempts []database.ListingAttempt) error {
	f, err := newSheet(AttemptsSheet, []string{"Created At", "Warehouse Item", "EAN", "Product ID", "Offer ID", "Quantity", "Status", "Error"})
	if err != nil {
		return err
	}
	defer f.Close()

	for i, a := range attempts {
		err := setRow(f, AttemptsSheet, i+2,
			a.CreatedAt.UTC().Format(time.RFC3339),
			a.WarehouseItemID,
			a.EAN,
			a.ProductID,
			deref(a.OfferID),
			a.QuantityListed,
			a.Status,
			deref(a.Error),
		)
		if err != nil {
			return fmt.Errorf("failed to write attempt %s: %w", a.ID, err)
		}
	}

	_, err = f.WriteTo(w)
	return err
}

// WriteCandidates writes ranked candidates for one EAN as xlsx
func WriteCandidates(w io.Writer, ean string, candidates []ranking.Candidate) error {
	f, err := newSheet(CandidatesSheet, []string{"EAN", "Rank", "Product ID", "Title", "Score", "Images", "Parameters", "Title Similarity", "Reasons"})
	if err != nil {
		return err
	}
	defer f.Close()

	for i, c := range candidates {
		var similarity interface{} = ""
		if c.TitleSimilarity != nil {
			similarity = *c.TitleSimilarity
		}
		err := setRow(f, CandidatesSheet, i+2,
			ean,
			i+1,
			c.ID,
			c.Name,
			c.Score,
			len(c.Images),
			len(c.Parameters),
			similarity,
			strings.Join(c.Reasons, "; "),
		)
		if err != nil {
			return fmt.Errorf("failed to write candidate %s: %w", c.ID, err)
		}
	}

	_, err = f.WriteTo(w)
	return err
}

// ReadInventory parses warehouse rows from the first sheet. Columns are
// located by their header names; ID and Name are required.
func ReadInventory(r io.Reader) ([]database.InventoryItem, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("spreadsheet is empty")
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"id", "name"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing %q column, expected header %v", required, InventoryHeader)
		}
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var items []database.InventoryItem
	for n, row := range rows[1:] {
		line := n + 2
		id := cell(row, "id")
		if id == "" {
			continue
		}

		item := database.InventoryItem{
			ID:   id,
			SKU:  cell(row, "sku"),
			Name: cell(row, "name"),
			EAN:  cell(row, "ean"),
		}
		if s := cell(row, "stock"); s != "" {
			stock, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid stock %q", line, s)
			}
			item.TotalStock = stock
		}
		if s := cell(row, "targetprice"); s != "" {
			price, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid price %q", line, s)
			}
			item.TargetPrice = price
		}
		items = append(items, item)
	}
	return items, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

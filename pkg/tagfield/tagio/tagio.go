// Package tagio persists tagged cells as CSV, one row per tagged cell:
// block_id, idx_0, ..., idx_{d-1}.
package tagio

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/tagfield"
)

// ReadTaggedCells reads a CSV of tagged cell indices and returns the raw
// rows as (blockID, idx...) tuples. dim is the expected number of index
// columns.
func ReadTaggedCells(filename string, dim int) ([]TaggedCell, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}

	cells := make([]TaggedCell, 0, len(records))
	for lineNum, record := range records {
		if len(record) > 0 && record[0] == "block_id" {
			continue // header row
		}
		if err := validateRecordLength(record, dim+1, lineNum+1); err != nil {
			return nil, err
		}
		ints, err := parseIntRecord(record, lineNum+1)
		if err != nil {
			return nil, err
		}
		cells = append(cells, TaggedCell{BlockID: ints[0], Idx: ints[1:]})
	}
	return cells, nil
}

// TaggedCell is one tagged cell read from or written to CSV.
type TaggedCell struct {
	BlockID int
	Idx     []int
}

func parseIntRecord(record []string, lineNum int) ([]int, error) {
	result := make([]int, len(record))
	for i, field := range record {
		val, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("line %d, column %d: invalid integer: %w", lineNum, i+1, err)
		}
		result[i] = val
	}
	return result, nil
}

func validateRecordLength(record []string, expected int, lineNum int) error {
	if len(record) != expected {
		return fmt.Errorf("line %d: expected %d columns, got %d", lineNum, expected, len(record))
	}
	return nil
}

// WriteTaggedCells writes tagged cells to filePath as CSV, with a header
// row sized for the given dimensionality.
func WriteTaggedCells(filePath string, dim int, cells []TaggedCell) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	headers := make([]string, 0, dim+1)
	headers = append(headers, "block_id")
	for d := 0; d < dim; d++ {
		headers = append(headers, fmt.Sprintf("idx_%d", d))
	}
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, cell := range cells {
		row := make([]string, 0, dim+1)
		row = append(row, strconv.Itoa(cell.BlockID))
		for _, v := range cell.Idx {
			row = append(row, strconv.Itoa(v))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	return nil
}

// BuildMemoryTagLevel constructs a MemoryTagLevel from a flat list of
// tagged cells and the block bounding boxes that contain them. Every tagged
// cell becomes a single-cell ArrayPatch; this is the CLI's reference loader,
// not a performance-sensitive path.
func BuildMemoryTagLevel(dim, tagVal int, bounds []box.Box, cells []TaggedCell) *tagfield.MemoryTagLevel {
	level := tagfield.NewMemoryTagLevel(dim, tagVal)
	for _, b := range bounds {
		level.AddBlockBound(b)
	}
	for _, cell := range cells {
		p := tagfield.NewArrayPatch(box.New(cell.BlockID, cell.Idx, cell.Idx))
		p.SetTag(cell.Idx, tagVal)
		level.AddPatch(cell.BlockID, p)
	}
	return level
}

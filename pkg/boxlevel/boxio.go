package boxlevel

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/latticemesh/brcluster/pkg/box"
)

// WriteBoxesCSV writes the accepted boxes in boxes to filePath, one row per
// box: owner_rank, local_id, block_id, lo_0..lo_{dim-1}, hi_0..hi_{dim-1}.
// Mirrors pkg/tagfield/tagio's writer.
func WriteBoxesCSV(filePath string, dim int, boxes map[GlobalID]box.Box) error {
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

	headers := make([]string, 0, dim*2+3)
	headers = append(headers, "owner_rank", "local_id", "block_id")
	for d := 0; d < dim; d++ {
		headers = append(headers, fmt.Sprintf("lo_%d", d))
	}
	for d := 0; d < dim; d++ {
		headers = append(headers, fmt.Sprintf("hi_%d", d))
	}
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	ids := make([]GlobalID, 0, len(boxes))
	for id := range boxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].OwnerRank != ids[j].OwnerRank {
			return ids[i].OwnerRank < ids[j].OwnerRank
		}
		return ids[i].LocalID < ids[j].LocalID
	})

	for _, id := range ids {
		b := boxes[id]
		row := make([]string, 0, dim*2+3)
		row = append(row, strconv.Itoa(id.OwnerRank), strconv.Itoa(id.LocalID), strconv.Itoa(b.BlockID))
		for d := 0; d < dim; d++ {
			row = append(row, strconv.Itoa(b.Lo[d]))
		}
		for d := 0; d < dim; d++ {
			row = append(row, strconv.Itoa(b.Hi[d]))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return nil
}

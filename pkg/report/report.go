// Package report exports a fragmented plan's per-node cost and
// cardinality estimates as an xlsx workbook, one sheet per fragment.
package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/kasuganosora/sqlopt/pkg/optimizer"
	"github.com/kasuganosora/sqlopt/pkg/runner"
)

var header = []string{"Node ID", "Kind", "Predicted Rows", "Predicted Bytes", "History Key"}

// Write renders the plan and its predictions to an xlsx file at path.
func Write(result *optimizer.PlanAndStats, path string) error {
	book := excelize.NewFile()
	defer book.Close()

	for i, fragment := range result.Plan.Fragments {
		sheet := fmt.Sprintf("%s (w%d)", fragment.TaskPrefix, fragment.Width)
		if i == 0 {
			if err := book.SetSheetName(book.GetSheetName(0), sheet); err != nil {
				return err
			}
		} else {
			if _, err := book.NewSheet(sheet); err != nil {
				return err
			}
		}
		for col, title := range header {
			cell, _ := excelize.CoordinatesToCellName(col+1, 1)
			if err := book.SetCellValue(sheet, cell, title); err != nil {
				return err
			}
		}
		row := 2
		var writeNode func(node *runner.PlanNode) error
		writeNode = func(node *runner.PlanNode) error {
			prediction := result.Prediction[node.ID]
			values := []any{
				node.ID,
				node.Kind.String(),
				prediction.Cardinality,
				prediction.PeakMemory,
				result.NodeHistory[node.ID],
			}
			for col, value := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				if err := book.SetCellValue(sheet, cell, value); err != nil {
					return err
				}
			}
			row++
			for _, input := range node.Inputs {
				if err := writeNode(input); err != nil {
					return err
				}
			}
			return nil
		}
		if err := writeNode(fragment.Root); err != nil {
			return err
		}
	}
	return book.SaveAs(path)
}

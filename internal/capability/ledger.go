package capability

import (
	"context"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

// TransactionFilter narrows fetch and export calls. Zero fields are omitted.
type TransactionFilter struct {
	BankID    int64  `json:"bank_id,omitempty"`
	Month     string `json:"month,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Bill is one income or expense entry against a bank.
type Bill struct {
	Date         string  `json:"date"`
	BankID       int64   `json:"bank_id"`
	Price        float64 `json:"price"`
	State        string  `json:"state"`
	CostCenterID int64   `json:"cost_center_id,omitempty"`
}

// Bill states understood by the worker.
const (
	BillIncome  = "Income"
	BillExpense = "Expense"
)

// Export formats.
const (
	FormatCSV   = "csv"
	FormatExcel = "excel"
)

type exportRequest struct {
	Format  string             `json:"format"`
	Filters *TransactionFilter `json:"filters,omitempty"`
}

func (c *Client) FetchTransactions(ctx context.Context, f TransactionFilter) outcome.Outcome {
	return c.call(ctx, action.FetchTransactions, f)
}

// ImportTransactions asks the worker to read a statement file from disk.
func (c *Client) ImportTransactions(ctx context.Context, filePath string) outcome.Outcome {
	return c.call(ctx, action.ImportTransactions, map[string]any{"file_path": filePath})
}

func (c *Client) ExportTransactions(ctx context.Context, format string, f *TransactionFilter) outcome.Outcome {
	return c.call(ctx, action.ExportTransactions, exportRequest{Format: formatOrDefault(format), Filters: f})
}

func (c *Client) BillingData(ctx context.Context) outcome.Outcome {
	return c.call(ctx, action.GetBillingData, nil)
}

func (c *Client) AddBill(ctx context.Context, b Bill) outcome.Outcome {
	return c.call(ctx, action.AddBill, b)
}

func (c *Client) DeleteBill(ctx context.Context, id int64) outcome.Outcome {
	return c.call(ctx, action.DeleteBill, map[string]any{"bill_id": id})
}

func (c *Client) ExportBillingData(ctx context.Context, format string, f *TransactionFilter) outcome.Outcome {
	return c.call(ctx, action.ExportBillingData, exportRequest{Format: formatOrDefault(format), Filters: f})
}

func formatOrDefault(format string) string {
	if format == "" {
		return FormatCSV
	}
	return format
}

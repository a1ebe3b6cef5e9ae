package capability

import (
	"context"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

// Bank is the editable part of a bank account card.
type Bank struct {
	BankName       string  `json:"bank_name"`
	Account        string  `json:"account"`
	CurrentBalance float64 `json:"current_balance"`
	Endpoint       string  `json:"endpoint,omitempty"`
	Color          string  `json:"color,omitempty"`
	Role           string  `json:"role,omitempty"`
}

type bankUpdate struct {
	Bank
	BankID int64 `json:"bank_id"`
}

type bankRef struct {
	BankID int64  `json:"bank_id"`
	Month  string `json:"month,omitempty"`
}

func (c *Client) AddBank(ctx context.Context, b Bank) outcome.Outcome {
	return c.call(ctx, action.AddBank, b)
}

func (c *Client) UpdateBank(ctx context.Context, id int64, b Bank) outcome.Outcome {
	return c.call(ctx, action.UpdateBank, bankUpdate{Bank: b, BankID: id})
}

func (c *Client) DeleteBank(ctx context.Context, id int64) outcome.Outcome {
	return c.call(ctx, action.DeleteBank, bankRef{BankID: id})
}

func (c *Client) BankDetails(ctx context.Context, id int64) outcome.Outcome {
	return c.call(ctx, action.GetBankDetails, bankRef{BankID: id})
}

// BankDetailData loads one bank's view for month ("2006-01").
func (c *Client) BankDetailData(ctx context.Context, id int64, month string) outcome.Outcome {
	return c.call(ctx, action.GetBankDetailData, bankRef{BankID: id, Month: month})
}

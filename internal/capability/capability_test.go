package capability

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

type recordingInvoker struct {
	action  string
	payload map[string]any
	calls   int
	out     outcome.Outcome
}

func (r *recordingInvoker) Invoke(ctx context.Context, action string, payload map[string]any) outcome.Outcome {
	r.calls++
	r.action = action
	r.payload = payload
	if r.out.Kind == "" {
		return outcome.Success(nil)
	}
	return r.out
}

// payloadJSON re-encodes what the invoker received, for stable comparisons.
func payloadJSON(t *testing.T, p map[string]any) string {
	t.Helper()
	if p == nil {
		return "null"
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return string(b)
}

func TestClient_ShapesPayloads(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name        string
		call        func(c *Client) outcome.Outcome
		wantAction  string
		wantPayload string
	}{
		{
			name:        "init db",
			call:        func(c *Client) outcome.Outcome { return c.InitDB(ctx) },
			wantAction:  "init_db_check",
			wantPayload: `null`,
		},
		{
			name: "register",
			call: func(c *Client) outcome.Outcome {
				return c.Register(ctx, Registration{Name: "Ana", Email: "ana@example.com", Password: "pw"})
			},
			wantAction:  "register_user",
			wantPayload: `{"name":"Ana","email":"ana@example.com","password":"pw"}`,
		},
		{
			name:        "login",
			call:        func(c *Client) outcome.Outcome { return c.Login(ctx, Credentials{Email: "a@b", Password: "x"}) },
			wantAction:  "login_user",
			wantPayload: `{"email":"a@b","password":"x"}`,
		},
		{
			name:        "google auth",
			call:        func(c *Client) outcome.Outcome { return c.GoogleAuth(ctx, "jwt") },
			wantAction:  "google_auth",
			wantPayload: `{"credential":"jwt"}`,
		},
		{
			name:        "logout",
			call:        func(c *Client) outcome.Outcome { return c.Logout(ctx) },
			wantAction:  "logout_user",
			wantPayload: `null`,
		},
		{
			name: "add bank",
			call: func(c *Client) outcome.Outcome {
				return c.AddBank(ctx, Bank{BankName: "ITAU", Account: "Ahorro", CurrentBalance: 1500})
			},
			wantAction:  "add_bank",
			wantPayload: `{"bank_name":"ITAU","account":"Ahorro","current_balance":1500}`,
		},
		{
			name: "update bank",
			call: func(c *Client) outcome.Outcome {
				return c.UpdateBank(ctx, 7, Bank{BankName: "ITAU", Account: "PC", CurrentBalance: 2.5, Color: "blue"})
			},
			wantAction:  "update_bank",
			wantPayload: `{"bank_id":7,"bank_name":"ITAU","account":"PC","current_balance":2.5,"color":"blue"}`,
		},
		{
			name:        "delete bank",
			call:        func(c *Client) outcome.Outcome { return c.DeleteBank(ctx, 7) },
			wantAction:  "delete_bank",
			wantPayload: `{"bank_id":7}`,
		},
		{
			name:        "bank detail data",
			call:        func(c *Client) outcome.Outcome { return c.BankDetailData(ctx, 3, "2024-05") },
			wantAction:  "get_bank_detail_data",
			wantPayload: `{"bank_id":3,"month":"2024-05"}`,
		},
		{
			name:        "dashboard current month",
			call:        func(c *Client) outcome.Outcome { return c.DashboardData(ctx, "") },
			wantAction:  "get_dashboard_data",
			wantPayload: `null`,
		},
		{
			name:        "dashboard month",
			call:        func(c *Client) outcome.Outcome { return c.DashboardData(ctx, "2024-05") },
			wantAction:  "get_dashboard_data",
			wantPayload: `{"month":"2024-05"}`,
		},
		{
			name:        "fetch transactions",
			call:        func(c *Client) outcome.Outcome { return c.FetchTransactions(ctx, TransactionFilter{Limit: 10}) },
			wantAction:  "fetch_transactions",
			wantPayload: `{"limit":10}`,
		},
		{
			name:        "import transactions",
			call:        func(c *Client) outcome.Outcome { return c.ImportTransactions(ctx, "/tmp/st.csv") },
			wantAction:  "import_transactions",
			wantPayload: `{"file_path":"/tmp/st.csv"}`,
		},
		{
			name:        "export transactions default format",
			call:        func(c *Client) outcome.Outcome { return c.ExportTransactions(ctx, "", nil) },
			wantAction:  "export_transactions",
			wantPayload: `{"format":"csv"}`,
		},
		{
			name: "add bill",
			call: func(c *Client) outcome.Outcome {
				return c.AddBill(ctx, Bill{Date: "2024-05-01", BankID: 2, Price: 10, State: BillExpense})
			},
			wantAction:  "add_bill",
			wantPayload: `{"date":"2024-05-01","bank_id":2,"price":10,"state":"Expense"}`,
		},
		{
			name:        "delete bill",
			call:        func(c *Client) outcome.Outcome { return c.DeleteBill(ctx, 9) },
			wantAction:  "delete_bill",
			wantPayload: `{"bill_id":9}`,
		},
		{
			name: "export billing",
			call: func(c *Client) outcome.Outcome {
				return c.ExportBillingData(ctx, FormatExcel, &TransactionFilter{Month: "2024-05"})
			},
			wantAction:  "export_billing_data",
			wantPayload: `{"format":"excel","filters":{"month":"2024-05"}}`,
		},
		{
			name:        "cost centers",
			call:        func(c *Client) outcome.Outcome { return c.CostCenters(ctx) },
			wantAction:  "get_cost_centers_list",
			wantPayload: `null`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &recordingInvoker{}
			out := tt.call(New(inv, nil))
			assert.True(t, out.OK())
			assert.Equal(t, tt.wantAction, inv.action)
			assert.JSONEq(t, tt.wantPayload, payloadJSON(t, inv.payload))
		})
	}
}

func TestClient_UnencodablePayloadNeverInvokes(t *testing.T) {
	inv := &recordingInvoker{}
	out := New(inv, nil).AddBank(context.Background(), Bank{BankName: "x", CurrentBalance: math.Inf(1)})

	assert.Equal(t, outcome.KindValidationFailure, out.Kind)
	assert.Equal(t, 0, inv.calls)
}

func TestSyncGoogleSheets_Notifies(t *testing.T) {
	tests := []struct {
		name       string
		out        outcome.Outcome
		wantNotify bool
	}{
		{name: "success", out: outcome.Success(json.RawMessage(`{"rows":4}`)), wantNotify: true},
		{name: "worker said no", out: outcome.ApplicationFailure("not connected", nil), wantNotify: true},
		{name: "worker crashed", out: outcome.TransportFailure(outcome.MsgUnparseable, nil), wantNotify: false},
		{name: "timeout", out: outcome.Timeout(outcome.MsgTimeout), wantNotify: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := events.NewHub(4)
			c := New(&recordingInvoker{out: tt.out}, hub)

			got := c.SyncGoogleSheets(context.Background())
			assert.Equal(t, tt.out.Kind, got.Kind)

			snap := hub.SnapshotSince(0, events.TypeDataSync)
			if !tt.wantNotify {
				assert.Empty(t, snap)
				return
			}
			require.Len(t, snap, 1)
			var resp outcome.Response
			require.NoError(t, json.Unmarshal(snap[0].Data, &resp))
			assert.Equal(t, tt.out.Kind, resp.Outcome)
		})
	}
}

func TestDecode(t *testing.T) {
	u, err := Decode[User](outcome.Success(json.RawMessage(`{"id":1,"name":"Ana","email":"a@b"}`)))
	require.NoError(t, err)
	assert.Equal(t, User{ID: 1, Name: "Ana", Email: "a@b"}, u)

	_, err = Decode[User](outcome.ApplicationFailure("Invalid credentials", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid credentials")

	_, err = Decode[User](outcome.Success(json.RawMessage(`[1,2]`)))
	assert.Error(t, err)

	u, err = Decode[User](outcome.Success(nil))
	require.NoError(t, err)
	assert.Zero(t, u)
}

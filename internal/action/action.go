// Package action holds the closed set of operations the UI may ask the worker
// to perform.
//
// The worker dispatches on free-form strings internally. The bridge does not:
// every name must be compiled into this package before it can reach a
// process. Keep this list in sync with the worker by convention.
package action

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Action names one worker operation.
type Action string

// Kind is a coarse permission hint for an action.
// The API uses it to separate read-only actions from actions that may mutate
// the worker's store or cause side effects.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Recognized actions.
const (
	InitDBCheck        Action = "init_db_check"
	RegisterUser       Action = "register_user"
	LoginUser          Action = "login_user"
	GoogleAuth         Action = "google_auth"
	CheckAuthStatus    Action = "check_auth_status"
	LogoutUser         Action = "logout_user"
	AddBank            Action = "add_bank"
	UpdateBank         Action = "update_bank"
	DeleteBank         Action = "delete_bank"
	GetBankDetails     Action = "get_bank_details"
	GetBankDetailData  Action = "get_bank_detail_data"
	FetchTransactions  Action = "fetch_transactions"
	ImportTransactions Action = "import_transactions"
	ExportTransactions Action = "export_transactions"
	SyncGoogleSheets   Action = "sync_google_sheets"
	GetHomeData        Action = "get_home_data"
	GetDashboardData   Action = "get_dashboard_data"
	GetCostCenters     Action = "get_cost_centers_list"
	GetBillingData     Action = "get_billing_data"
	AddBill            Action = "add_bill"
	DeleteBill         Action = "delete_bill"
	ExportBillingData  Action = "export_billing_data"
	SyncBackgroundData Action = "sync_background_data"
)

// ErrUnknown is returned by Parse for names outside the compiled set.
var ErrUnknown = errors.New("unknown action")

var known = map[Action]Kind{
	InitDBCheck:        KindRead,
	RegisterUser:       KindWrite,
	LoginUser:          KindWrite,
	GoogleAuth:         KindWrite,
	CheckAuthStatus:    KindRead,
	LogoutUser:         KindWrite,
	AddBank:            KindWrite,
	UpdateBank:         KindWrite,
	DeleteBank:         KindWrite,
	GetBankDetails:     KindRead,
	GetBankDetailData:  KindRead,
	FetchTransactions:  KindRead,
	ImportTransactions: KindWrite,
	ExportTransactions: KindRead,
	SyncGoogleSheets:   KindWrite,
	GetHomeData:        KindRead,
	GetDashboardData:   KindRead,
	GetCostCenters:     KindRead,
	GetBillingData:     KindRead,
	AddBill:            KindWrite,
	DeleteBill:         KindWrite,
	ExportBillingData:  KindRead,
	SyncBackgroundData: KindWrite,
}

// IsAllowed reports whether name is a compiled action. It has no side effects.
func IsAllowed(name string) bool {
	_, ok := known[Action(name)]
	return ok
}

// Parse converts name into an Action. Surrounding whitespace is not trimmed:
// " login_user" is not an action.
func Parse(name string) (Action, error) {
	if !IsAllowed(name) {
		return "", fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return Action(name), nil
}

// All returns every compiled action sorted by name.
func All() []Action {
	out := make([]Action, 0, len(known))
	for a := range known {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Kind returns the permission class of a. Unknown actions report KindWrite.
func (a Action) Kind() Kind {
	if k, ok := known[a]; ok {
		return k
	}
	return KindWrite
}

func (a Action) String() string { return string(a) }

// Registry is the runtime view of the compiled set. It can disable actions
// (for example while a worker feature is being rolled out) but never add them.
type Registry struct {
	disabled map[Action]struct{}
}

// NewRegistry builds a Registry with the given names disabled. Names outside
// the compiled set are rejected so a typo in config does not silently pass.
func NewRegistry(disabled []string) (*Registry, error) {
	r := &Registry{disabled: make(map[Action]struct{}, len(disabled))}
	var bad []string
	for _, name := range disabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		a, err := Parse(name)
		if err != nil {
			bad = append(bad, name)
			continue
		}
		r.disabled[a] = struct{}{}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("%w: cannot disable %s", ErrUnknown, strings.Join(bad, ", "))
	}
	return r, nil
}

// IsAllowed reports whether name is compiled in and not disabled.
func (r *Registry) IsAllowed(name string) bool {
	if !IsAllowed(name) {
		return false
	}
	if r == nil {
		return true
	}
	_, off := r.disabled[Action(name)]
	return !off
}

// Enabled returns the allowed actions sorted by name.
func (r *Registry) Enabled() []Action {
	all := All()
	out := all[:0]
	for _, a := range all {
		if r.IsAllowed(string(a)) {
			out = append(out, a)
		}
	}
	return out
}

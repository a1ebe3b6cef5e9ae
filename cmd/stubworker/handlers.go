package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/lock"
	"github.com/mattjoyce/procbridge/internal/protocol"
	"github.com/mattjoyce/procbridge/internal/storage"
	"github.com/mattjoyce/procbridge/internal/workerkit"
)

// lastSyncKey is the app_settings key written by sync_background_data.
const lastSyncKey = "last_background_sync"

type app struct {
	dbPath string
	cost   int
	now    func() time.Time
}

type storeHandler func(ctx context.Context, s *storage.Store, p protocol.Payload, logger *slog.Logger) protocol.Result

func (a *app) worker() *workerkit.Worker {
	w := workerkit.New()
	for name, h := range map[action.Action]storeHandler{
		action.InitDBCheck:        a.initDBCheck,
		action.RegisterUser:       a.registerUser,
		action.LoginUser:          a.loginUser,
		action.LogoutUser:         a.logoutUser,
		action.CheckAuthStatus:    a.checkAuthStatus,
		action.AddBank:            a.addBank,
		action.UpdateBank:         a.updateBank,
		action.DeleteBank:         a.deleteBank,
		action.GetBankDetails:     a.bankDetails,
		action.GetHomeData:        a.homeData,
		action.SyncBackgroundData: a.syncBackgroundData,
	} {
		w.Handle(string(name), a.withStore(name.Kind(), h))
	}
	return w
}

// withStore opens the database for one call. Readers share the database
// lock; writers hold it exclusively so concurrent workers never interleave a
// read-modify-write.
func (a *app) withStore(kind action.Kind, h storeHandler) workerkit.Handler {
	mode := lock.Shared
	if kind == action.KindWrite {
		mode = lock.Exclusive
	}
	return func(ctx context.Context, p protocol.Payload, logger *slog.Logger) protocol.Result {
		l, err := lock.Acquire(ctx, a.dbPath+".lock", mode)
		if err != nil {
			logger.Error("database lock failed", "error", err)
			return protocol.Fail("Database busy: %v", err)
		}
		defer l.Release()

		db, err := storage.OpenSQLite(ctx, a.dbPath)
		if err != nil {
			logger.Error("open database failed", "error", err)
			return protocol.Fail("Database error: %v", err)
		}
		defer db.Close()

		store := storage.NewStore(db)
		return h(ctx, store, p, logger)
	}
}

func (a *app) timeNow() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *app) initDBCheck(ctx context.Context, s *storage.Store, _ protocol.Payload, _ *slog.Logger) protocol.Result {
	if err := s.Ping(ctx); err != nil {
		return protocol.Fail("Database error: %v", err)
	}
	return protocol.Result{Success: true, Extra: map[string]any{"message": "Database ready", "path": a.dbPath}}
}

func (a *app) registerUser(ctx context.Context, s *storage.Store, p protocol.Payload, logger *slog.Logger) protocol.Result {
	name, email, password := stringField(p, "name"), stringField(p, "email"), stringField(p, "password")
	if name == "" || email == "" || password == "" {
		return protocol.Fail("Name, email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return protocol.Fail("Invalid email address")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return protocol.Fail("Could not hash password: %v", err)
	}

	u, err := s.CreateUser(ctx, name, email, string(hash))
	if errors.Is(err, storage.ErrDuplicate) {
		return protocol.Fail("Email already registered")
	}
	if err != nil {
		return protocol.Fail("Registration failed: %v", err)
	}
	if err := s.StartSession(ctx, u.ID); err != nil {
		return protocol.Fail("Registration failed: %v", err)
	}
	logger.Info("user registered", "user_id", u.ID)
	return protocol.Result{Success: true, Extra: map[string]any{"user": u}}
}

func (a *app) loginUser(ctx context.Context, s *storage.Store, p protocol.Payload, logger *slog.Logger) protocol.Result {
	email, password := stringField(p, "email"), stringField(p, "password")
	if email == "" || password == "" {
		return protocol.Fail("Email and password are required")
	}
	u, err := s.UserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.Fail("Invalid credentials")
	}
	if err != nil {
		return protocol.Fail("Login failed: %v", err)
	}
	if u.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return protocol.Fail("Invalid credentials")
	}
	if err := s.StartSession(ctx, u.ID); err != nil {
		return protocol.Fail("Login failed: %v", err)
	}
	logger.Info("user signed in", "user_id", u.ID)
	return protocol.Result{Success: true, Extra: map[string]any{"user": u}}
}

func (a *app) logoutUser(ctx context.Context, s *storage.Store, _ protocol.Payload, _ *slog.Logger) protocol.Result {
	if err := s.EndSession(ctx); err != nil {
		return protocol.Fail("Logout failed: %v", err)
	}
	return protocol.Result{Success: true}
}

func (a *app) checkAuthStatus(ctx context.Context, s *storage.Store, _ protocol.Payload, _ *slog.Logger) protocol.Result {
	u, err := s.CurrentUser(ctx)
	if errors.Is(err, storage.ErrNoSession) || errors.Is(err, storage.ErrNotFound) {
		return protocol.Result{Success: true, Extra: map[string]any{"authenticated": false}}
	}
	if err != nil {
		return protocol.Fail("Session error: %v", err)
	}
	return protocol.Result{Success: true, Extra: map[string]any{"authenticated": true, "user": u}}
}

func (a *app) addBank(ctx context.Context, s *storage.Store, p protocol.Payload, _ *slog.Logger) protocol.Result {
	u, fail := currentUser(ctx, s)
	if fail != nil {
		return *fail
	}
	b, err := bankFromPayload(p)
	if err != nil {
		return protocol.Fail("%v", err)
	}
	b, err = s.AddBank(ctx, u.ID, b)
	if errors.Is(err, storage.ErrDuplicate) {
		return protocol.Fail("Bank account already exists")
	}
	if err != nil {
		return protocol.Fail("Could not add bank: %v", err)
	}
	return protocol.Result{Success: true, Extra: map[string]any{"bank": b}}
}

func (a *app) updateBank(ctx context.Context, s *storage.Store, p protocol.Payload, _ *slog.Logger) protocol.Result {
	u, fail := currentUser(ctx, s)
	if fail != nil {
		return *fail
	}
	id, ok := intField(p, "bank_id")
	if !ok {
		return protocol.Fail("bank_id is required")
	}
	b, err := bankFromPayload(p)
	if err != nil {
		return protocol.Fail("%v", err)
	}
	b.ID = id

	switch err := s.UpdateBank(ctx, u.ID, b); {
	case errors.Is(err, storage.ErrNotFound):
		return protocol.Fail("Bank not found")
	case errors.Is(err, storage.ErrDuplicate):
		return protocol.Fail("Bank account already exists")
	case err != nil:
		return protocol.Fail("Could not update bank: %v", err)
	}
	return protocol.Result{Success: true, Extra: map[string]any{"bank": b}}
}

func (a *app) deleteBank(ctx context.Context, s *storage.Store, p protocol.Payload, _ *slog.Logger) protocol.Result {
	u, fail := currentUser(ctx, s)
	if fail != nil {
		return *fail
	}
	id, ok := intField(p, "bank_id")
	if !ok {
		return protocol.Fail("bank_id is required")
	}
	if err := s.DeleteBank(ctx, u.ID, id); errors.Is(err, storage.ErrNotFound) {
		return protocol.Fail("Bank not found")
	} else if err != nil {
		return protocol.Fail("Could not delete bank: %v", err)
	}
	return protocol.Result{Success: true}
}

func (a *app) bankDetails(ctx context.Context, s *storage.Store, _ protocol.Payload, _ *slog.Logger) protocol.Result {
	u, fail := currentUser(ctx, s)
	if fail != nil {
		return *fail
	}
	banks, err := s.ListBanks(ctx, u.ID)
	if err != nil {
		return protocol.Fail("Could not load banks: %v", err)
	}
	return protocol.Result{Success: true, Extra: map[string]any{"banks": banks}}
}

func (a *app) homeData(ctx context.Context, s *storage.Store, _ protocol.Payload, _ *slog.Logger) protocol.Result {
	u, fail := currentUser(ctx, s)
	if fail != nil {
		return *fail
	}
	banks, err := s.ListBanks(ctx, u.ID)
	if err != nil {
		return protocol.Fail("Could not load banks: %v", err)
	}
	var total float64
	for _, b := range banks {
		total += b.CurrentBalance
	}
	lastSync, err := s.Setting(ctx, lastSyncKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return protocol.Fail("Could not read settings: %v", err)
	}
	return protocol.OK(map[string]any{
		"user":          u,
		"banks":         banks,
		"total_balance": math.Round(total*100) / 100,
		"last_sync":     lastSync,
	})
}

// syncBackgroundData stands in for the periodic upstream refresh. It only
// records when it last ran.
func (a *app) syncBackgroundData(ctx context.Context, s *storage.Store, _ protocol.Payload, logger *slog.Logger) protocol.Result {
	at := a.timeNow().UTC().Format(time.RFC3339)
	if err := s.SetSetting(ctx, lastSyncKey, at); err != nil {
		return protocol.Fail("Sync failed: %v", err)
	}
	logger.Info("background sync recorded", "at", at)
	return protocol.OK(map[string]any{"synced_at": at})
}

func currentUser(ctx context.Context, s *storage.Store) (storage.User, *protocol.Result) {
	u, err := s.CurrentUser(ctx)
	if errors.Is(err, storage.ErrNoSession) || errors.Is(err, storage.ErrNotFound) {
		res := protocol.Fail("Not authenticated")
		return storage.User{}, &res
	}
	if err != nil {
		res := protocol.Fail("Session error: %v", err)
		return storage.User{}, &res
	}
	return u, nil
}

func bankFromPayload(p protocol.Payload) (storage.Bank, error) {
	b := storage.Bank{
		BankName: stringField(p, "bank_name"),
		Account:  stringField(p, "account"),
		Endpoint: stringField(p, "endpoint"),
		Color:    stringField(p, "color"),
		Role:     stringField(p, "role"),
	}
	if b.BankName == "" || b.Account == "" {
		return storage.Bank{}, fmt.Errorf("bank_name and account are required")
	}
	if v, ok := p["current_balance"]; ok {
		f, ok := v.(float64)
		if !ok {
			return storage.Bank{}, fmt.Errorf("current_balance must be a number")
		}
		b.CurrentBalance = f
	}
	return b, nil
}

func stringField(p protocol.Payload, key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

func intField(p protocol.Payload, key string) (int64, bool) {
	f, ok := p[key].(float64)
	if !ok || f != math.Trunc(f) || f <= 0 {
		return 0, false
	}
	return int64(f), true
}

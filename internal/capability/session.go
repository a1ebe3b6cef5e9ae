package capability

import (
	"context"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the profile the worker returns after sign-in.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (c *Client) InitDB(ctx context.Context) outcome.Outcome {
	return c.call(ctx, action.InitDBCheck, nil)
}

func (c *Client) Register(ctx context.Context, r Registration) outcome.Outcome {
	return c.call(ctx, action.RegisterUser, r)
}

func (c *Client) Login(ctx context.Context, cred Credentials) outcome.Outcome {
	return c.call(ctx, action.LoginUser, cred)
}

// GoogleAuth exchanges a Google ID token credential for a session.
func (c *Client) GoogleAuth(ctx context.Context, credential string) outcome.Outcome {
	return c.call(ctx, action.GoogleAuth, map[string]any{"credential": credential})
}

func (c *Client) CheckAuthStatus(ctx context.Context) outcome.Outcome {
	return c.call(ctx, action.CheckAuthStatus, nil)
}

func (c *Client) Logout(ctx context.Context) outcome.Outcome {
	return c.call(ctx, action.LogoutUser, nil)
}

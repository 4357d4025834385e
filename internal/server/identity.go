package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"tasknest/internal/identity"
)

// identityError maps failures of the identity proxy. Transport failures count as upstream
// failures of identity origin, like a rejection.
func identityError(err error) huma.StatusError {
	var pe *identity.ProviderError
	if errors.Is(err, identity.ErrUnavailable) || errors.As(err, &pe) {
		return handleError(err)
	}
	return newAPIError(http.StatusBadRequest, "upstream_failure", "identity provider unreachable", nil)
}

func registerIdentity(api huma.API, c *identity.Client) {
	authErrors := []int{http.StatusBadRequest, http.StatusServiceUnavailable}

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a user with the identity provider",
		DefaultStatus: http.StatusCreated,
		Errors:        authErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body AuthSessionResponse `json:"body"`
	}, error) {
		metadata := map[string]any{}
		for k, v := range input.Body.Metadata {
			metadata[k] = v
		}
		if name := strings.TrimSpace(input.Body.FullName); name != "" {
			metadata["full_name"] = name
		}
		res, err := c.SignUp(ctx, strings.TrimSpace(input.Body.Email), input.Body.Password, metadata)
		if err != nil {
			return nil, identityError(err)
		}
		out := AuthSessionResponse{User: &res.User, ConfirmationRequired: true}
		if res.Session != nil {
			out = sessionResponse(*res.Session)
			if out.User == nil {
				out.User = &res.User
			}
		}
		return &struct {
			Body AuthSessionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Sign in with email and password",
		Errors:      authErrors,
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body AuthSessionResponse `json:"body"`
	}, error) {
		s, err := c.SignIn(ctx, strings.TrimSpace(input.Body.Email), input.Body.Password)
		if err != nil {
			return nil, identityError(err)
		}
		return &struct {
			Body AuthSessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Exchange a refresh token for a new session",
		Errors:      authErrors,
	}, func(ctx context.Context, input *struct {
		Body RefreshRequest `json:"body"`
	}) (*struct {
		Body AuthSessionResponse `json:"body"`
	}, error) {
		s, err := c.Refresh(ctx, input.Body.RefreshToken)
		if err != nil {
			return nil, identityError(err)
		}
		return &struct {
			Body AuthSessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Revoke the caller's session",
		Errors:      append([]int{http.StatusUnauthorized}, authErrors...),
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := c.SignOut(ctx, p.Token); err != nil {
			return nil, identityError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "logged out"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "profile",
		Method:      http.MethodGet,
		Path:        "/auth/profile",
		Summary:     "Current user profile",
		Errors:      append([]int{http.StatusUnauthorized}, authErrors...),
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := c.User(ctx, p.Token)
		if err != nil {
			return nil, identityError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(u)}, nil
	})
}

// Package auth validates access tokens against an OpenID style userinfo endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrAuthentication = errors.New("authentication failed")

type User struct {
	Sub   string `json:"sub"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Validator interface {
	Validate(ctx context.Context, token string) (User, error)
}

type ValidatorFunc func(ctx context.Context, token string) (User, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (User, error) {
	return f(ctx, token)
}

// Userinfo accepts a token when GET on the userinfo endpoint with that bearer token returns 200.
type Userinfo struct {
	url    string
	client *http.Client
}

func NewUserinfo(url string, client *http.Client) *Userinfo {
	if client == nil {
		client = http.DefaultClient
	}
	return &Userinfo{url: url, client: client}
}

func (u *Userinfo) Validate(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return User{}, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := u.client.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("%w: userinfo request failed: %w", ErrAuthentication, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return User{}, fmt.Errorf("%w: userinfo returned %d", ErrAuthentication, resp.StatusCode)
	}

	user := claimsUser(token)
	var info User
	if err := json.NewDecoder(resp.Body).Decode(&info); err == nil {
		user = overlay(user, info)
	}
	if user.Sub == "" {
		return User{}, fmt.Errorf("%w: no subject in token or userinfo", ErrAuthentication)
	}
	return user, nil
}

// claimsUser reads the identity claims of a JWT without verifying it. The userinfo call is what
// establishes validity; opaque tokens simply yield an empty user.
func claimsUser(token string) User {
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return User{}
	}
	claims := parsed.Claims.(gojwt.MapClaims)
	var u User
	if sub, ok := claims["sub"].(string); ok {
		u.Sub = sub
	}
	if name, ok := claims["name"].(string); ok {
		u.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		u.Email = email
	}
	return u
}

func overlay(base, top User) User {
	if top.Sub != "" {
		base.Sub = top.Sub
	}
	if top.Name != "" {
		base.Name = top.Name
	}
	if top.Email != "" {
		base.Email = top.Email
	}
	return base
}

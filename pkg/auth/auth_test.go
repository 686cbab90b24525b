package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims gojwt.MapClaims) string {
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func userinfoServer(t *testing.T, valid map[string]string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := valid[r.Header.Get("Authorization")]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUserinfo(t *testing.T) {
	jwtToken := signedToken(t, gojwt.MapClaims{"sub": "core://user/1", "name": "Ada", "email": "ada@example.com"})
	srv := userinfoServer(t, map[string]string{
		"Bearer " + jwtToken: `{"name":"Ada Lovelace"}`,
		"Bearer opaque":      `{"sub":"core://user/2","email":"bob@example.com"}`,
		"Bearer nosub":       `{}`,
	})
	v := NewUserinfo(srv.URL+"/userinfo", srv.Client())

	for _, tc := range []struct {
		name  string
		token string
		want  User
		err   bool
	}{
		{name: "jwt claims overlaid with userinfo", token: jwtToken, want: User{Sub: "core://user/1", Name: "Ada Lovelace", Email: "ada@example.com"}},
		{name: "opaque token", token: "opaque", want: User{Sub: "core://user/2", Email: "bob@example.com"}},
		{name: "rejected", token: "expired", err: true},
		{name: "empty", token: "", err: true},
		{name: "no subject", token: "nosub", err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Validate(context.Background(), tc.token)
			if tc.err {
				assert.ErrorIs(t, err, ErrAuthentication)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUserinfoUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := NewUserinfo(url, nil).Validate(context.Background(), "token")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestValidatorFunc(t *testing.T) {
	var v Validator = ValidatorFunc(func(_ context.Context, token string) (User, error) {
		return User{Sub: token}, nil
	})
	u, err := v.Validate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", u.Sub)
}

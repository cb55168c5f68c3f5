package tests

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/coursework/apps/api/echo"
	"github.com/trezcool/coursework/core/user"
	"github.com/trezcool/coursework/tests"
)

func Test_userApi_login(t *testing.T) {
	e, srv := setup(t)
	testutil.CreateUser(t, e.UserRepo, "Hero", "hero", "hero@test.cd", "p@ssword", []string{user.RoleStudent}, true)
	testutil.CreateUser(t, e.UserRepo, "N Dog", "ndog", "ndog@test.cd", "p@ssword", []string{user.RoleStudent}, false)

	invalidCreds := marchallObj(t, httpErr{Error: "invalid credentials"})
	tests := []httpTest{
		{
			name:     "missing fields",
			body:     []byte(`{}`),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"username": "this field is required", "password": "this field is required"}`),
		},
		{name: "unknown user", body: []byte(`{"username": "lol", "password": "p@ssword"}`), wantCode: http.StatusBadRequest, wantData: invalidCreds},
		{name: "wrong password", body: []byte(`{"username": "hero", "password": "lol"}`), wantCode: http.StatusBadRequest, wantData: invalidCreds},
		{name: "inactive user", body: []byte(`{"username": "ndog", "password": "p@ssword"}`), wantCode: http.StatusBadRequest, wantData: invalidCreds},
		{name: "username", body: []byte(`{"username": " HERO ", "password": "p@ssword"}`), wantCode: http.StatusOK},
		{name: "email", body: []byte(`{"username": "hero@test.cd", "password": "p@ssword"}`), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/v1/users/login", tt.body)
			srv.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if tt.wantCode == http.StatusOK {
				var resp echoapi.LoginResponse
				unmarshallObj(t, rec, &resp)
				assert.NotEmpty(t, resp.Token)
			}
		})
	}

	usr, err := e.UserSvc.GetByUsernameOrEmail(ctx, "hero")
	require.NoError(t, err)
	assert.True(t, usr.LastLogin.Valid)
}

func Test_userApi_refreshToken(t *testing.T) {
	e, srv := setup(t)
	naughty := testutil.CreateUser(t, e.UserRepo, "N Dog", "ndog", "ndog@test.cd", "", []string{user.RoleStudent}, false)
	student := testutil.CreateUser(t, e.UserRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)

	now := time.Now()
	unrefreshableClaims := &echoapi.Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    e.Conf.AppName,
			Subject:   strconv.FormatInt(student.ID, 10),
			Audience:  "Coursework",
			ExpiresAt: now.Add(e.Conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		OrigIssuedAt: now.Add(-2 * e.Conf.Server.JWTRefreshExpirationDelta).Unix(), // older than threshold
		Username:     student.Username,
		Roles:        student.Roles,
	}
	unrefreshableToken, err := echoapi.GenerateToken(e.Conf, unrefreshableClaims)
	require.NoError(t, err)

	tests := []httpTest{
		{name: "auth required", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "inactive user", token: getToken(t, e.Conf, naughty), wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"})},
		{name: "refresh period expired", token: unrefreshableToken, wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "refresh has expired"})},
		{name: "token refreshed", token: getToken(t, e.Conf, student), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/v1/users/token-refresh", tt.token)
			srv.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userApi_detail(t *testing.T) {
	e, srv := setup(t)
	admin := testutil.CreateUser(t, e.UserRepo, "Admin", "admin", "admin@test.cd", "", []string{user.RoleAdmin}, true)
	student := testutil.CreateUser(t, e.UserRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	other := testutil.CreateUser(t, e.UserRepo, "King", "king", "king@test.cd", "", []string{user.RoleStudent}, true)
	adminToken, studentToken := getToken(t, e.Conf, admin), getToken(t, e.Conf, student)
	path := func(id int64) string { return fmt.Sprintf("/v1/users/%d", id) }

	tests := []httpTest{
		{name: "self", method: http.MethodGet, path: path(student.ID), token: studentToken, wantCode: http.StatusOK, wantData: marchallObj(t, student)},
		{name: "someone else", method: http.MethodGet, path: path(other.ID), token: studentToken, wantCode: http.StatusNotFound},
		{name: "admin", method: http.MethodGet, path: path(other.ID), token: adminToken, wantCode: http.StatusOK, wantData: marchallObj(t, other)},
		{name: "unknown", method: http.MethodGet, path: path(999), token: adminToken, wantCode: http.StatusNotFound},
		{
			name:     "promoting oneself",
			method:   http.MethodPut,
			path:     path(student.ID),
			body:     []byte(`{"roles": ["admin:"]}`),
			token:    studentToken,
			wantCode: http.StatusForbidden,
		},
		{name: "rename", method: http.MethodPut, path: path(student.ID), body: []byte(`{"name": "Super Hero"}`), token: studentToken, wantCode: http.StatusOK},
		{name: "roles by student", method: http.MethodGet, path: "/v1/users/roles", token: studentToken, wantCode: http.StatusForbidden},
		{name: "deleting oneself", method: http.MethodDelete, path: path(admin.ID), token: adminToken, wantCode: http.StatusForbidden},
		{name: "delete", method: http.MethodDelete, path: path(other.ID), token: adminToken, wantCode: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(srv, tt.method, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}

	usr, err := e.UserSvc.Get(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, "Super Hero", usr.Name)
	assert.Equal(t, []string{user.RoleStudent}, usr.Roles)
}

package user

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	s := NewService(newTestRepository(t), testSecret, time.Hour)
	h := NewHandler(s, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.Register)
	mux.HandleFunc("POST /login", h.Login)
	mux.HandleFunc("GET /api/users", h.Search)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, s
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	srv, s := newTestServer(t)
	client := resty.New().SetBaseURL(srv.URL)

	var reg RegisterResponse
	resp, err := client.R().
		SetBody(map[string]string{"username": "alice", "password": "pa55word"}).
		SetResult(&reg).
		Post("/register")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode())
	require.Equal(t, "alice", reg.Username)

	testCases := []struct {
		name         string
		path         string
		form         bool
		username     string
		password     string
		expectedCode int
	}{
		{name: "register_duplicate", path: "/register", username: "alice", password: "x", expectedCode: http.StatusConflict},
		{name: "register_missing_password", path: "/register", username: "bob", expectedCode: http.StatusBadRequest},
		{name: "register_form", path: "/register", form: true, username: "carol", password: "pw", expectedCode: http.StatusCreated},
		{name: "login_unknown_user", path: "/login", username: "nobody", password: "pw", expectedCode: http.StatusBadRequest},
		{name: "login_wrong_password", path: "/login", username: "alice", password: "nope", expectedCode: http.StatusUnauthorized},
		{name: "login_success", path: "/login", username: "alice", password: "pa55word", expectedCode: http.StatusOK},
		{name: "login_form_success", path: "/login", form: true, username: "alice", password: "pa55word", expectedCode: http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := client.R()
			if tc.form {
				req.SetFormData(map[string]string{"username": tc.username, "password": tc.password})
			} else {
				req.SetBody(map[string]string{"username": tc.username, "password": tc.password})
			}

			var login LoginResponse
			if tc.path == "/login" {
				req.SetResult(&login)
			}

			resp, err := req.Post(tc.path)
			assert.NoError(t, err, "error making HTTP request")
			assert.Equal(t, tc.expectedCode, resp.StatusCode(), "Response code didn't match expected")

			if tc.path == "/login" && tc.expectedCode == http.StatusOK {
				_, username, err := s.ValidateToken(login.AccessToken)
				assert.NoError(t, err)
				assert.Equal(t, tc.username, username)
			}
		})
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := resty.New().R().
		SetHeader("Content-Type", "application/json").
		SetBody(`{"username":`).
		Post(srv.URL + "/register")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode())
}

func TestHandler_Search(t *testing.T) {
	req := require.New(t)
	srv, s := newTestServer(t)

	for _, name := range []string{"alice", "bob"} {
		_, err := s.Register(t.Context(), &RegisterRequest{Username: name, Password: "pw"})
		req.NoError(err)
	}

	var users []User
	resp, err := resty.New().R().
		SetQueryParam("q", "AL").
		SetResult(&users).
		Get(srv.URL + "/api/users")
	req.NoError(err)
	req.Equal(http.StatusOK, resp.StatusCode())
	req.Len(users, 1)
	req.Equal("alice", users[0].Username)
}

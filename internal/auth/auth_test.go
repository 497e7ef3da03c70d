package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/opsgate/internal/session"
)

const secret = "0123456789abcdef0123456789abcdef"

func newService(t *testing.T) (*Service, clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewService(secret, WithClock(fc))
	require.NoError(t, err)
	return s, fc
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := NewService("short")
	assert.Error(t, err)
}

func TestIssueVerify(t *testing.T) {
	s, fc := newService(t)
	tok, exp, err := s.Issue(session.Actor{ID: "42", Label: "alice"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, fc.Now().Add(time.Hour), exp)

	a, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, session.Actor{ID: "42", Label: "alice"}, a)

	fc.Advance(time.Hour + time.Second)
	_, err = s.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyLabelDefaultsToID(t *testing.T) {
	s, _ := newService(t)
	tok, _, err := s.Issue(session.Actor{ID: "42"}, time.Minute)
	require.NoError(t, err)
	a, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "42", a.Label)
}

func TestIssueValidation(t *testing.T) {
	s, _ := newService(t)
	_, _, err := s.Issue(session.Actor{}, time.Minute)
	assert.Error(t, err)
	_, _, err = s.Issue(session.Actor{ID: "1"}, 0)
	assert.Error(t, err)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	s, fc := newService(t)
	_, err := s.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = s.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewService(strings.Repeat("x", 40), WithClock(fc))
	require.NoError(t, err)
	tok, _, err := other.Issue(session.Actor{ID: "1"}, time.Minute)
	require.NoError(t, err)
	_, err = s.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong secret")

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, Subject: "1"}})
	raw, err := noExp.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = s.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken, "expiry required")
}

func TestGinAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _ := newService(t)
	g := gin.New()
	g.GET("/x", s.GinAuth(), func(c *gin.Context) {
		a, ok := ActorFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, a.Label)
	})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	tok, _, err := s.Issue(session.Actor{ID: "7", Label: "bob"}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())
}

func TestBearer(t *testing.T) {
	assert.Equal(t, "abc", bearer("Bearer abc"))
	assert.Equal(t, "abc", bearer("bearer  abc "))
	assert.Empty(t, bearer("Basic abc"))
	assert.Empty(t, bearer("abc"))
}

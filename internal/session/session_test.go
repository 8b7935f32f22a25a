package session

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"escrowchat/internal/api"
	"escrowchat/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
)

type fakeAuth struct {
	token   string
	user    *model.User
	meErr   error
	meCalls int
}

func (f *fakeAuth) Login(context.Context, string, string) (string, error) {
	return signed(time.Now().Add(time.Hour)), nil
}

func (f *fakeAuth) Me(context.Context) (*model.User, error) {
	f.meCalls++
	if f.meErr != nil {
		return nil, f.meErr
	}
	return f.user, nil
}

func (f *fakeAuth) SetToken(token string) { f.token = token }

func signed(exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"exp":     exp.Unix(),
	})
	s, err := tok.SignedString([]byte("client-never-knows-this"))
	if err != nil {
		panic(err)
	}
	return s
}

func TestSignInResolvesUser(t *testing.T) {
	auth := &fakeAuth{user: &model.User{ID: "u1", Name: "Ana"}}
	r := NewResolver(auth, zaptest.NewLogger(t))

	token := signed(time.Now().Add(time.Hour))
	u, err := r.SignIn(context.Background(), token)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if u.ID != "u1" || auth.token != token {
		t.Fatalf("user = %+v, installed token = %q", u, auth.token)
	}
	cur, err := r.Current()
	if err != nil || cur.ID != "u1" {
		t.Fatalf("Current = %+v, %v", cur, err)
	}
}

func TestExpiredCredentialSkipsNetwork(t *testing.T) {
	auth := &fakeAuth{user: &model.User{ID: "u1"}}
	r := NewResolver(auth, zaptest.NewLogger(t))

	_, err := r.SignIn(context.Background(), signed(time.Now().Add(-time.Minute)))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if auth.meCalls != 0 {
		t.Fatalf("Me called %d times", auth.meCalls)
	}
}

func TestCurrentExpiresWithCredential(t *testing.T) {
	auth := &fakeAuth{user: &model.User{ID: "u1"}}
	r := NewResolver(auth, zaptest.NewLogger(t))
	now := time.Now()
	r.now = func() time.Time { return now }

	if _, err := r.SignIn(context.Background(), signed(now.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := r.Current(); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Current after expiry: %v", err)
	}
}

func TestRejectedCredentialSignsOut(t *testing.T) {
	auth := &fakeAuth{meErr: &api.StatusError{Op: "auth.me", StatusCode: http.StatusUnauthorized}}
	r := NewResolver(auth, zaptest.NewLogger(t))

	_, err := r.SignIn(context.Background(), signed(time.Now().Add(time.Hour)))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if r.Token() != "" || auth.token != "" {
		t.Fatal("credential kept after 401")
	}
}

func TestOpaqueTokenLeftToServer(t *testing.T) {
	if expired("not-a-jwt", time.Now()) {
		t.Fatal("opaque token treated as expired")
	}
	if !expired("", time.Now()) {
		t.Fatal("empty token not expired")
	}
}

func TestLogin(t *testing.T) {
	auth := &fakeAuth{user: &model.User{ID: "u1"}}
	r := NewResolver(auth, zaptest.NewLogger(t))
	u, err := r.Login(context.Background(), "ana@example.com", "pw")
	if err != nil || u.ID != "u1" {
		t.Fatalf("Login = %+v, %v", u, err)
	}
}

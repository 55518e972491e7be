package auth

import (
	"errors"
	"testing"
	"time"
)

func TestFileTokenIssueVerify(t *testing.T) {
	service := NewFileTokenService("worker-secret", time.Minute)
	token, err := service.Issue("node-1", "/jobs/j1/out.png")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := service.Verify(token, "/jobs/j1/out.png")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "node-1" {
		t.Fatalf("expected subject node-1, got %q", claims.Subject)
	}
}

func TestFileTokenRejections(t *testing.T) {
	service := NewFileTokenService("worker-secret", time.Minute)
	token, _ := service.Issue("node-1", "/jobs/j1/out.png")
	expired, _ := NewFileTokenService("worker-secret", time.Nanosecond).Issue("node-1", "/a")
	time.Sleep(5 * time.Millisecond)

	tests := []struct {
		name    string
		service *FileTokenService
		token   string
		path    string
		want    error
	}{
		{name: "other path", service: service, token: token, path: "/etc/passwd", want: ErrInvalidToken},
		{name: "wrong key", service: NewFileTokenService("other", time.Minute), token: token, path: "/jobs/j1/out.png", want: ErrInvalidToken},
		{name: "garbage", service: service, token: "not-a-jwt", path: "/a", want: ErrInvalidToken},
		{name: "expired", service: service, token: expired, path: "/a", want: ErrInvalidToken},
		{name: "disabled", service: NewFileTokenService("", time.Minute), token: token, path: "/a", want: ErrAuthDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.service.Verify(tt.token, tt.path); !errors.Is(err, tt.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

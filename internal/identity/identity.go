// Package identity answers "who is the current user" for the chat
// subsystem.
package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
)

// Provider returns the signed-in user, or an error wrapping
// chat.ErrUnauthenticated.
type Provider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Static is a fixed identity from configuration.
type Static struct {
	UserID string
}

func (s Static) CurrentUserID(context.Context) (string, error) {
	if s.UserID == "" {
		return "", chat.E(chat.ErrUnauthenticated, "current user", nil)
	}
	return s.UserID, nil
}

// TokenVerifier is the part of *auth.Client this package uses.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// Firebase resolves the user from a Firebase ID token stored in a file,
// the way a signed-in client leaves it on disk. The verified uid is cached
// until the token expires.
type Firebase struct {
	verifier  TokenVerifier
	tokenFile string
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	uid     string
	expires time.Time
}

// NewFirebase returns a provider reading tokens from tokenFile.
func NewFirebase(verifier TokenVerifier, tokenFile string, logger *zap.Logger) *Firebase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Firebase{verifier: verifier, tokenFile: tokenFile, logger: logger, now: time.Now}
}

func (f *Firebase) CurrentUserID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uid != "" && f.now().Before(f.expires) {
		return f.uid, nil
	}
	f.uid = ""

	raw, err := os.ReadFile(f.tokenFile)
	if err != nil {
		return "", chat.E(chat.ErrUnauthenticated, "current user", fmt.Errorf("read id token: %w", err))
	}
	idToken := strings.TrimSpace(string(raw))
	if idToken == "" {
		return "", chat.E(chat.ErrUnauthenticated, "current user", fmt.Errorf("id token file %s is empty", f.tokenFile))
	}
	tok, err := f.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", chat.E(chat.ErrUnauthenticated, "current user", err)
	}
	f.uid = tok.UID
	f.expires = time.Unix(tok.Expires, 0)
	f.logger.Info("identity verified", zap.String("user_id", tok.UID), zap.Time("expires", f.expires))
	return f.uid, nil
}

package protection

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/aristeoibarra/nextdns-blocker/internal/audit"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
)

const (
	pinKeyHash         = "pin_hash"
	pinKeySalt         = "pin_salt"
	pinKeyFailedCount  = "pin_failed_attempts"
	pinKeyLockoutUntil = "pin_lockout_until"

	pbkdf2Iterations = 600_000
	pbkdf2KeyLength  = 32
	saltLength       = 16
)

// PINConfig holds PIN protection settings.
type PINConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	SessionTTL      time.Duration
	SessionSecret   string
}

// PINManager stores the PIN hash, verifies attempts with lockout, and issues
// short-lived session tokens for dangerous operations. PIN removal does not
// happen here: it goes through the unlock request queue with a 24h delay, and
// only unlock execution calls Remove.
type PINManager struct {
	repo   Repository
	config PINConfig
	audit  audit.Log
	now    func() time.Time
}

// NewPINManager creates a PIN manager.
func NewPINManager(repo Repository, config PINConfig, auditLog audit.Log) *PINManager {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	return &PINManager{
		repo:   repo,
		config: config,
		audit:  auditLog,
		now:    time.Now,
	}
}

// Configured reports whether a PIN is set.
func (m *PINManager) Configured(ctx context.Context) (bool, error) {
	hash, err := m.repo.GetValue(ctx, pinKeyHash)
	if err != nil {
		return false, err
	}
	return hash != "", nil
}

// Set configures the PIN. Fails if one is already set; changing an existing
// PIN requires removing it first via an unlock request.
func (m *PINManager) Set(ctx context.Context, pin string) error {
	if len(pin) < 4 {
		return fmt.Errorf("pin must be at least 4 digits")
	}

	configured, err := m.Configured(ctx)
	if err != nil {
		return err
	}
	if configured {
		return ErrPINAlreadySet
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)

	if err := m.repo.SetValue(ctx, pinKeySalt, hex.EncodeToString(salt)); err != nil {
		return err
	}
	if err := m.repo.SetValue(ctx, pinKeyHash, hex.EncodeToString(hash)); err != nil {
		return err
	}

	m.audit.Append(ctx, audit.EventPinSet, "pin", nil)
	return nil
}

// Verify checks the PIN and returns a session token on success. Failed
// attempts count toward the lockout; a correct PIN during a lockout is still
// rejected.
func (m *PINManager) Verify(ctx context.Context, pin string) (string, error) {
	now := m.now()

	lockedUntil, err := m.lockoutUntil(ctx)
	if err != nil {
		return "", err
	}
	if now.Before(lockedUntil) {
		return "", ErrPINLocked
	}

	hashHex, err := m.repo.GetValue(ctx, pinKeyHash)
	if err != nil {
		return "", err
	}
	if hashHex == "" {
		return "", ErrPINNotSet
	}
	saltHex, err := m.repo.GetValue(ctx, pinKeySalt)
	if err != nil {
		return "", err
	}

	stored, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("corrupt pin hash: %w", err)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("corrupt pin salt: %w", err)
	}

	candidate := pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	if subtle.ConstantTimeCompare(candidate, stored) != 1 {
		return "", m.recordFailure(ctx, now)
	}

	if err := m.resetFailures(ctx); err != nil {
		ctxlog.FromContext(ctx).Warn("resetting pin failure count", "error", err)
	}
	m.audit.Append(ctx, audit.EventPinVerified, "pin", nil)
	return m.issueSession(now)
}

// ValidateSession checks a session token issued by Verify.
func (m *PINManager) ValidateSession(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.config.SessionSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return ErrSessionInvalid
	}
	return nil
}

// Remove deletes the PIN hash and failure state. Called by unlock request
// execution for item_type=pin.
func (m *PINManager) Remove(ctx context.Context) error {
	for _, key := range []string{pinKeyHash, pinKeySalt, pinKeyFailedCount, pinKeyLockoutUntil} {
		if err := m.repo.DeleteValue(ctx, key); err != nil {
			return err
		}
	}
	m.audit.Append(ctx, audit.EventPinRemoved, "pin", nil)
	return nil
}

func (m *PINManager) issueSession(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   "pin-session",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.config.SessionTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.SessionSecret))
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

func (m *PINManager) recordFailure(ctx context.Context, now time.Time) error {
	count := 1
	if raw, err := m.repo.GetValue(ctx, pinKeyFailedCount); err == nil && raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			count = n + 1
		}
	}
	if err := m.repo.SetValue(ctx, pinKeyFailedCount, strconv.Itoa(count)); err != nil {
		return err
	}

	if count >= m.config.MaxAttempts {
		until := now.Add(m.config.LockoutDuration)
		if err := m.repo.SetValue(ctx, pinKeyLockoutUntil, until.Format(time.RFC3339)); err != nil {
			return err
		}
		if err := m.repo.SetValue(ctx, pinKeyFailedCount, "0"); err != nil {
			return err
		}
		m.audit.Append(ctx, audit.EventPinLockedOut, "pin", map[string]any{
			"locked_until": until.Format(time.RFC3339),
		})
		return ErrPINLocked
	}

	m.audit.Append(ctx, audit.EventPinFailed, "pin", map[string]any{
		"failed_attempts": count,
	})
	return ErrPINInvalid
}

func (m *PINManager) resetFailures(ctx context.Context) error {
	if err := m.repo.DeleteValue(ctx, pinKeyFailedCount); err != nil {
		return err
	}
	return m.repo.DeleteValue(ctx, pinKeyLockoutUntil)
}

func (m *PINManager) lockoutUntil(ctx context.Context) (time.Time, error) {
	raw, err := m.repo.GetValue(ctx, pinKeyLockoutUntil)
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return time.Time{}, nil
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, nil
	}
	return until, nil
}

package execution

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// totpPeriod is the TOTP step in seconds; skew 1 accepts the adjacent
// window on either side, so a code stays valid for at most 90 seconds.
const (
	totpPeriod = 30
	totpSkew   = 1
)

// TOTPAuthenticator verifies time-based one-time codes and consumes each
// (harness, code) pair exactly once. Every failure mode comes back as a
// domain.AuthenticationError; nothing downstream runs without a fresh
// valid code.
type TOTPAuthenticator struct {
	secret string
	db     *sql.DB
	now    func() time.Time
	log    zerolog.Logger
}

// NewTOTPAuthenticator creates the step-up authenticator. db is app.db,
// which holds the reuse guard table.
func NewTOTPAuthenticator(secret string, db *sql.DB, log zerolog.Logger) *TOTPAuthenticator {
	return &TOTPAuthenticator{
		secret: secret,
		db:     db,
		now:    time.Now,
		log:    log.With().Str("component", "totp_auth").Logger(),
	}
}

// Verify checks the code against the shared secret and records it as used
// for this harness. Stale, missing, malformed, and replayed codes all fail.
func (a *TOTPAuthenticator) Verify(ctx context.Context, harnessID, code string) error {
	if a.secret == "" {
		return &domain.AuthenticationError{Reason: "step-up authentication is not configured"}
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return &domain.AuthenticationError{Reason: "authentication code is required"}
	}

	valid, err := totp.ValidateCustom(code, a.secret, a.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return &domain.AuthenticationError{Reason: fmt.Sprintf("code validation failed: %v", err)}
	}
	if !valid {
		a.log.Warn().Str("harness_id", harnessID).Msg("Invalid authentication code")
		return &domain.AuthenticationError{Reason: "invalid or expired code"}
	}

	// Consume the code. The unique constraint makes reuse a failure even
	// when two requests race.
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO used_auth_codes (harness_id, code, used_at) VALUES (?, ?, ?)
	`, harnessID, code, a.now().UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			a.log.Warn().Str("harness_id", harnessID).Msg("Authentication code reuse attempt")
			return &domain.AuthenticationError{Reason: "code already used for this decision"}
		}
		return fmt.Errorf("failed to record used auth code: %w", err)
	}

	return nil
}

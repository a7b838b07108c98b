package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/nexo/internal/budget"
	"github.com/ternarybob/nexo/internal/coordinator"
	"github.com/ternarybob/nexo/internal/models"
)

func TestMapFailureMessage(t *testing.T) {
	tests := []struct {
		message string
		want    models.FailureReason
	}{
		{"captcha detected on page", models.FailureCaptchaPresent},
		{"reCAPTCHA widget blocked submission", models.FailureCaptchaPresent},
		{"captcha solve returned empty token", models.FailureCaptchaFailed},
		{"iframe navigation lost", models.FailureIframeMissed},
		{"execution context was destroyed", models.FailureIframeMissed},
		{"comment form not found on page", models.FailureCommentFormNotFound},
		{"no comment field after scroll", models.FailureCommentFormNotFound},
		{"registration rejected by site", models.FailureRegistrationFailed},
		{"sign-up failed: username taken", models.FailureRegistrationFailed},
		{"email verification link never arrived", models.FailureEmailVerificationFailed},
		{"element #submit not found", models.FailureElementNotFound},
		{"could not find node for selector", models.FailureElementNotFound},
		{"server returned 403", models.FailureBlocked},
		{"Access Denied by Cloudflare", models.FailureBlocked},
		{"navigation timeout of 30s exceeded", models.FailureTimeout},
		{"context deadline exceeded", models.FailureTimeout},
		{"net::ERR_CONNECTION_RESET", models.FailureTimeout},
		{"click intercepted by overlay", models.FailurePopupBlocking},
		{"modal still visible after dismiss", models.FailurePopupBlocking},
		{"something else entirely", models.FailureUnknown},
		{"", models.FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, MapFailureMessage(tt.message))
		})
	}
}

func TestMapFailureOrderingSpecificBeforeGeneric(t *testing.T) {
	// mentions both captcha and timeout: captcha wins by table order
	assert.Equal(t, models.FailureCaptchaFailed, MapFailureMessage("captcha solve timed out"))
	// captcha_present beats captcha_failed when the widget is merely present
	assert.Equal(t, models.FailureCaptchaPresent, MapFailureMessage("captcha is present, aborting"))
}

func TestMapFailureTypedErrors(t *testing.T) {
	assert.Equal(t, models.FailureUnknown, MapFailure(nil))

	budgetErr := &budget.ExceededError{TaskID: "task_1", Kind: "runtime", Limit: 180}
	assert.Equal(t, models.FailureTimeout, MapFailure(budgetErr))
	assert.Equal(t, models.FailureTimeout, MapFailure(fmt.Errorf("agent: %w", budgetErr)),
		"wrapped budget errors still map to timeout")

	assert.Equal(t, models.FailureTimeout, MapFailure(context.DeadlineExceeded))
	assert.Equal(t, models.FailureTimeout, MapFailure(context.Canceled))

	forbidden := &coordinator.APIError{StatusCode: 403, Body: "forbidden"}
	assert.Equal(t, models.FailureBlocked, MapFailure(forbidden))

	assert.Equal(t, models.FailureUnknown, MapFailure(errors.New("weird oddity")))
}

func TestEveryReasonInTaxonomy(t *testing.T) {
	valid := make(map[models.FailureReason]bool)
	for _, r := range models.AllFailureReasons {
		valid[r] = true
	}
	for _, group := range reasonPatterns {
		assert.True(t, valid[group.reason], "pattern table maps to unknown reason %q", group.reason)
	}
}

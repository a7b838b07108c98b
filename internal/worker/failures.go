package worker

import (
	"context"
	"errors"
	"regexp"

	"github.com/ternarybob/nexo/internal/budget"
	"github.com/ternarybob/nexo/internal/coordinator"
	"github.com/ternarybob/nexo/internal/models"
)

// reasonPatterns is an ordered list: first match wins, so captcha_present is
// checked before captcha_failed and specific reasons before generic ones.
var reasonPatterns = []struct {
	reason   models.FailureReason
	patterns []*regexp.Regexp
}{
	{models.FailureCaptchaPresent, compileAll(
		`(?i)captcha (is )?present`,
		`(?i)captcha detected`,
		`(?i)recaptcha widget`,
	)},
	{models.FailureCaptchaFailed, compileAll(
		`(?i)captcha`,
		`(?i)challenge (solve|solving) failed`,
	)},
	{models.FailureIframeMissed, compileAll(
		`(?i)iframe`,
		`(?i)frame (was )?detached`,
		`(?i)execution context (was )?destroyed`,
	)},
	{models.FailureCommentFormNotFound, compileAll(
		`(?i)comment (form|field|editor).*(not found|missing)`,
		`(?i)no comment (form|field)`,
	)},
	{models.FailureRegistrationFailed, compileAll(
		`(?i)registration`,
		`(?i)sign.?up failed`,
		`(?i)account.*(rejected|exists)`,
	)},
	{models.FailureEmailVerificationFailed, compileAll(
		`(?i)email verification`,
		`(?i)verification (link|mail|email)`,
		`(?i)confirm(ation)? (link|email)`,
	)},
	{models.FailureElementNotFound, compileAll(
		`(?i)element.*(not found|missing)`,
		`(?i)no node found`,
		`(?i)could not find node`,
		`(?i)waiting for selector`,
		`(?i)node.*(does not|doesn't) exist`,
	)},
	{models.FailureBlocked, compileAll(
		`(?i)\b403\b`,
		`(?i)forbidden`,
		`(?i)access denied`,
		`(?i)cloudflare`,
		`(?i)blocked`,
		`(?i)bot (check|detection)`,
	)},
	{models.FailureTimeout, compileAll(
		`(?i)timeout`,
		`(?i)timed out`,
		`(?i)deadline exceeded`,
		`(?i)navigation.*(failed|aborted)`,
		`(?i)net::ERR_`,
	)},
	{models.FailurePopupBlocking, compileAll(
		`(?i)popup`,
		`(?i)modal`,
		`(?i)overlay`,
		`(?i)element.*(intercepted|obscured|covered)`,
	)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// MapFailure classifies an error to the closed failure taxonomy. Typed
// errors are checked first: budget breaches and context deadlines are
// timeouts regardless of message text.
func MapFailure(err error) models.FailureReason {
	if err == nil {
		return models.FailureUnknown
	}

	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		return models.FailureTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.FailureTimeout
	}
	var apiErr *coordinator.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 403 {
			return models.FailureBlocked
		}
		return MapFailureMessage(apiErr.Error())
	}

	return MapFailureMessage(err.Error())
}

// MapFailureMessage classifies free-text error messages via the ordered
// pattern table. Default is unknown.
func MapFailureMessage(message string) models.FailureReason {
	if message == "" {
		return models.FailureUnknown
	}
	for _, group := range reasonPatterns {
		for _, pattern := range group.patterns {
			if pattern.MatchString(message) {
				return group.reason
			}
		}
	}
	return models.FailureUnknown
}

package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrExpired              = errors.New("episode expired")
	ErrAlreadyExists        = errors.New("episode already exists")
	ErrUnknownEpisodeType   = errors.New("unknown episode type")
	ErrCreationDenied       = errors.New("episode creation denied")
	ErrRateLimited          = errors.New("rate limited")
	ErrNoResourcesAvailable = errors.New("no spendable resources available")
	ErrAlreadySpent         = errors.New("resource already spent")
	ErrEncodingFailed       = errors.New("encoding failed")
	ErrSigningFailed        = errors.New("signing failed")
	ErrSubmissionFailed     = errors.New("submission failed")
	ErrNodeUnavailable      = errors.New("node unavailable")
	ErrExecutionFailed      = errors.New("execution failed")
	ErrInvalidAction        = errors.New("invalid action")
	ErrStorageFailure       = errors.New("storage failure")
	ErrHistoryUnavailable   = errors.New("transaction outside retained history")
)

// IsTransient reports whether the caller may retry the same request later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNoResourcesAvailable) ||
		errors.Is(err, ErrNodeUnavailable)
}

// IsPermanent reports whether retrying the same request can never succeed.
func IsPermanent(err error) bool {
	if IsTransient(err) {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrExecutionFailed) ||
		errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrHistoryUnavailable) ||
		errors.Is(err, ErrUnknownEpisodeType) ||
		errors.Is(err, ErrAlreadyExists)
}

// Code returns a stable machine-readable name for the first taxonomy
// member found in err's chain.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNoResourcesAvailable):
		return "no_resources_available"
	case errors.Is(err, ErrNodeUnavailable):
		return "node_unavailable"
	case errors.Is(err, ErrCreationDenied):
		return "creation_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrUnknownEpisodeType):
		return "unknown_episode_type"
	case errors.Is(err, ErrExecutionFailed):
		return "execution_failed"
	case errors.Is(err, ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, ErrEncodingFailed):
		return "encoding_failed"
	case errors.Is(err, ErrSigningFailed):
		return "signing_failed"
	case errors.Is(err, ErrSubmissionFailed):
		return "submission_failed"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	case errors.Is(err, ErrHistoryUnavailable):
		return "history_unavailable"
	case errors.Is(err, ErrAlreadySpent):
		return "already_spent"
	default:
		return "internal"
	}
}

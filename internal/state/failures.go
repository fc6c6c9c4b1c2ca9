package state

import (
	"context"
	"errors"

	"osc/internal/core"
)

// FailureFromError classifies err into the failure taxonomy.
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var ce *core.ConfigError
	if errors.As(err, &ce) && ce != nil {
		return Failure{
			FailureClass: FailureClassConfig,
			ErrorCode:    nonEmptyOr(ce.Code, "ConfigError"),
			ErrorMessage: err.Error(),
			Path:         ce.Path,
		}, nil
	}

	var nv *core.NoViableBuildError
	if errors.As(err, &nv) && nv != nil {
		return Failure{
			FailureClass: FailureClassSearch,
			ErrorCode:    "NoViableBuild",
			ErrorMessage: err.Error(),
		}, nil
	}

	var te *core.ToolchainError
	if errors.As(err, &te) && te != nil {
		return Failure{
			FailureClass: FailureClassToolchain,
			ErrorCode:    "ToolFailed",
			ErrorMessage: err.Error(),
			Tool:         te.Tool,
		}, nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    "Interrupted",
			ErrorMessage: err.Error(),
		}, nil
	}

	// Unknown error: classify as system failure.
	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
	}, nil
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

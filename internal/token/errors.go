package token

import dErrors "careflow/pkg/domain-errors"

// Verification and issuance failures. All carry the unauthorized code; errors.Is
// distinguishes them by message.
var (
	ErrInvalidCredentials = &dErrors.Error{Code: dErrors.CodeUnauthorized, Message: "invalid credentials"}
	ErrExpiredToken       = &dErrors.Error{Code: dErrors.CodeUnauthorized, Message: "token has expired"}
	ErrInvalidSignature   = &dErrors.Error{Code: dErrors.CodeUnauthorized, Message: "invalid token signature"}
	ErrMalformed          = &dErrors.Error{Code: dErrors.CodeUnauthorized, Message: "malformed token"}
)

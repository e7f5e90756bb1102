package account

import "errors"

var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrDuplicateAccount = errors.New("account already exists")
	ErrAccountNotFound  = errors.New("account not found")
)

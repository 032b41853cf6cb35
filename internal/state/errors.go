package state

import "errors"

// Semantic errors (§7): user-visible, reported as an `error` wire record by
// the request engine. None of these abort the connection.
var (
	ErrUsernameInvalid  = errors.New("username must be alphanumeric")
	ErrUsernameTaken    = errors.New("username already exists")
	ErrPasswordEmpty    = errors.New("password cannot be empty")
	ErrUsernameNotFound = errors.New("username does not exist")
	ErrAlreadyLoggedIn  = errors.New("user already logged in")
	ErrBadPassword      = errors.New("incorrect password")
	ErrAccountNotFound  = errors.New("account does not exist")
	ErrReceiverNotFound = errors.New("receiver does not exist")
	ErrNoUndelivered    = errors.New("no undelivered messages")
	ErrNoDelivered      = errors.New("no delivered messages")
)

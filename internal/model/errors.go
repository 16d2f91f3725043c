package model

import (
	"errors"
)

var (
	ErrNotValid = errors.New("not valid")
	ErrNotFound = errors.New("not found")
)

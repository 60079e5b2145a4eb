package storage

import (
	"errors"
	"net/http"

	"github.com/onexay/gitstore/internal/git"
)

// NotFoundError signals a missing tenant, path, revision or empty listing.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// StatusCode maps the error to 404.
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// StatusCode maps the error to 400.
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// notFound converts git's missing-object failures into a NotFoundError.
func notFound(err error, resource, key string) error {
	if errors.Is(err, git.ErrNotFound) {
		return &NotFoundError{Resource: resource, Key: key}
	}
	return err
}

package domain

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

// Error classes partition every failure that reaches the registration
// pipeline. Configuration errors are fatal at startup, environment errors
// trigger rollback, user errors route the dataset to a holding area and
// remote errors trigger rollback without retry.
var (
	ConfigurationError = errs.Class("configuration")
	EnvironmentError   = errs.Class("environment")
	UserError          = errs.Class("user")
	RemoteError        = errs.Class("remote")
)

// ErrInvalidSession is returned by the application server when the session
// token is unknown or expired.
var ErrInvalidSession = errors.New("invalid or expired session token")

// ErrNotFound is returned when a referenced entity does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrorCategory names the taxonomy class of err for logs and metric labels.
func ErrorCategory(err error) string {
	switch {
	case err == nil:
		return "none"
	case ConfigurationError.Has(err):
		return "configuration"
	case UserError.Has(err):
		return "user"
	case RemoteError.Has(err), errors.Is(err, ErrInvalidSession):
		return "remote"
	case EnvironmentError.Has(err):
		return "environment"
	default:
		return "internal"
	}
}

package escrow

import (
	"errors"
	"fmt"

	"dealescrow/internal/models"
)

var ErrUnknownAction = errors.New("Неизвестное действие над сделкой.")

type Violation uint8

const (
	ViolationStatus Violation = iota + 1
	ViolationRole
	ViolationDeadline
)

func (v Violation) String() string {
	switch v {
	case ViolationStatus:
		return "status"
	case ViolationRole:
		return "role"
	case ViolationDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// TransitionError — нарушение условия перехода. Code совпадает с кодом контракта.
type TransitionError struct {
	Code      int
	Action    models.Action
	Violation Violation
	Status    models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Переход %s запрещён (code=%d, %s, status=%s)", e.Action, e.Code, e.Violation, e.Status)
}

func Code(err error) (int, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code, true
	}
	return 0, false
}

func IsGuardViolation(err error) bool {
	_, ok := Code(err)
	return ok
}

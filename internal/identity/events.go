package identity

import (
	"time"

	"tessera.org/internal/ids"
)

// Operation identifies the kind of domain change a notification reports.
type Operation string

const (
	OperationUserCreated       Operation = "user-created"
	OperationPasswordChanged   Operation = "password-changed"
	OperationRoleChanged       Operation = "role-changed"
	OperationTenantProvisioned Operation = "tenant-provisioned"
)

// Notification is emitted after a successful mutation so downstream
// consumers can react. Authentication itself never emits one.
type Notification struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Operation  Operation `json:"operation"`
	Identifier string    `json:"identifier"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier receives domain notifications. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

// Notify calls the wrapped function.
func (f NotifierFunc) Notify(n Notification) { f(n) }

func newNotification(tenant string, op Operation, identifier string, at time.Time) Notification {
	return Notification{
		ID:         ids.New(),
		Tenant:     tenant,
		Operation:  op,
		Identifier: identifier,
		OccurredAt: at.UTC(),
	}
}

func notify(n Notifier, notification Notification) {
	if n != nil {
		n.Notify(notification)
	}
}

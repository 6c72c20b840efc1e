package capture

import "context"

// Permissions asks the host for microphone and speech recognition access.
type Permissions interface {
	Request(ctx context.Context) (granted bool, err error)
}

// Granted is used where the OS has no runtime permission prompt.
type Granted struct{}

func (Granted) Request(context.Context) (bool, error) { return true, nil }

// PermissionsFunc adapts a function to Permissions.
type PermissionsFunc func(ctx context.Context) (bool, error)

func (f PermissionsFunc) Request(ctx context.Context) (bool, error) { return f(ctx) }

// Package target defines the driver contract between the vigil core and
// the browser platform. The core consumes this interface; the browser
// package implements it; tests substitute function-field fakes.
package target

import (
	"context"
	"errors"

	"github.com/hazyhaar/vigil/vigil/internal/content"
	"github.com/hazyhaar/vigil/vigil/internal/store"
)

// ErrTargetGone is returned when a handle no longer refers to a live
// target. Callers treat this as a terminal condition for the bound watches.
var ErrTargetGone = errors.New("target: gone")

// ErrNoContent is returned when a target exists but its content cannot be
// read yet (still loading, detached frame). Transient; retry on the normal
// schedule.
var ErrNoContent = errors.New("target: no content available")

// Container is the result of opening a new container.
type Container struct {
	Handle      string
	ContainerID string
	Placement   *store.Placement
}

// Driver is the platform collaborator: everything the core needs from the
// browser. All calls may take network time and must honor ctx.
type Driver interface {
	// RefreshTarget reloads a target in place.
	RefreshTarget(ctx context.Context, handle string) error

	// NavigateTarget points an existing target at a URL.
	NavigateTarget(ctx context.Context, handle, url string) error

	// CreateContainer opens a new container at url. Ephemeral containers
	// share one isolated, cookie-free session process-wide.
	CreateContainer(ctx context.Context, url string, ephemeral bool, placement *store.Placement) (*Container, error)

	// CloseContainer closes a container. Closing the last ephemeral
	// container tears down the shared ephemeral session.
	CloseContainer(ctx context.Context, containerID string) error

	// ContainerPlacement reports a container's current geometry.
	ContainerPlacement(ctx context.Context, containerID string) (*store.Placement, error)

	// ReadContent captures the target's current URL, title, HTML, and
	// visible text.
	ReadContent(ctx context.Context, handle string) (*content.Page, error)

	// TargetExists reports whether a handle still refers to a live target.
	TargetExists(ctx context.Context, handle string) bool
}

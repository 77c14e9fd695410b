// Package collab defines the narrow interfaces served's action handlers
// use to reach components that live outside this module entirely: the
// package format reader (chef_package_load), the mount/unmount helper
// (served_unmount), and the container backend (containerv_*/kitchen_*).
//
// Production wiring of these interfaces lives outside this module; the
// only implementation here is the in-memory Fake used by handler and
// runner tests, an interface-wrapped-client shape scoped down to what
// the handlers in pkg/handlers actually call.
package collab

import "context"

// PackageMetadata is the subset of a loaded package manifest the
// dependency handler needs: whether it declares a base package it must
// be layered on top of.
type PackageMetadata struct {
	Name    string
	Base    string // empty if the package declares no base
	HasBase bool
}

// PackageLoader reads package metadata off disk or from a registry.
// Corresponds to chef_package_load; out of scope for this module.
type PackageLoader interface {
	Load(ctx context.Context, name string) (PackageMetadata, error)
}

// Mounter mounts and unmounts an installed application's filesystem
// view. Corresponds to served_unmount; out of scope for this module.
type Mounter interface {
	IsMounted(ctx context.Context, application string) (bool, error)
	Unmount(ctx context.Context, application string) error
}

// ContainerBackend performs the actual install/update/remove work
// against a package's container image: unpacking, verifying, and
// committing or rolling back a revision. Corresponds to containerv_*/
// kitchen_*; out of scope for this module.
type ContainerBackend interface {
	Install(ctx context.Context, application, channel string) error
	Verify(ctx context.Context, application string) error
	Commit(ctx context.Context, application string) error
	Rollback(ctx context.Context, application string) error
	Remove(ctx context.Context, application string) error
}

// Collaborators bundles the three interfaces action handlers need so a
// single value can be threaded through the handler context.
type Collaborators struct {
	Packages   PackageLoader
	Mounts     Mounter
	Containers ContainerBackend
}

package collab

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Collaborators implementation for tests: it
// tracks mounted applications and installed packages without touching
// disk or a real container backend.
type Fake struct {
	mu sync.Mutex

	packages map[string]PackageMetadata
	mounted  map[string]bool
	failOn   map[string]error // application -> error to return from the named op
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		packages: make(map[string]PackageMetadata),
		mounted:  make(map[string]bool),
		failOn:   make(map[string]error),
	}
}

// SetPackage registers the metadata Load should return for name.
func (f *Fake) SetPackage(meta PackageMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packages[meta.Name] = meta
}

// SetMounted marks application as currently mounted.
func (f *Fake) SetMounted(application string, mounted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted[application] = mounted
}

// FailNext makes the named op (e.g. "install", "verify") fail for
// application the next time it is invoked, then clears the failure.
func (f *Fake) FailNext(op, application string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[op+":"+application] = err
}

func (f *Fake) takeFailure(op, application string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + ":" + application
	err := f.failOn[key]
	delete(f.failOn, key)
	return err
}

func (f *Fake) Load(ctx context.Context, name string) (PackageMetadata, error) {
	if err := f.takeFailure("load", name); err != nil {
		return PackageMetadata{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.packages[name]
	if !ok {
		return PackageMetadata{}, fmt.Errorf("package not found: %s", name)
	}
	return meta, nil
}

func (f *Fake) IsMounted(ctx context.Context, application string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted[application], nil
}

func (f *Fake) Unmount(ctx context.Context, application string) error {
	if err := f.takeFailure("unmount", application); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted[application] = false
	return nil
}

func (f *Fake) Install(ctx context.Context, application, channel string) error {
	return f.takeFailure("install", application)
}

func (f *Fake) Verify(ctx context.Context, application string) error {
	return f.takeFailure("verify", application)
}

func (f *Fake) Commit(ctx context.Context, application string) error {
	return f.takeFailure("commit", application)
}

func (f *Fake) Rollback(ctx context.Context, application string) error {
	return f.takeFailure("rollback", application)
}

func (f *Fake) Remove(ctx context.Context, application string) error {
	return f.takeFailure("remove", application)
}

var (
	_ PackageLoader    = (*Fake)(nil)
	_ Mounter          = (*Fake)(nil)
	_ ContainerBackend = (*Fake)(nil)
)

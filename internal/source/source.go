// Package source fetches a single branch of a git repository into a run
// directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	plumbingHTTP "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/sirupsen/logrus"
)

// Ref names what to fetch.
type Ref struct {
	URL    string
	Branch string
}

// String renders the ref for logs and errors, without URL credentials.
func (r Ref) String() string {
	return RedactURL(r.URL) + "@" + r.Branch
}

// RedactURL strips userinfo from a repository URL. URLs that do not parse,
// such as scp-style git@host:path, are returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// Workspace is a checked-out source tree.
type Workspace struct {
	Dir    string
	Ref    Ref
	Commit string
}

// Fetcher retrieves source for a run.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref, dir string) (*Workspace, error)
}

// ErrUnavailable is wrapped by every Fetch failure caused by the remote:
// an unresolvable URL, a missing branch, or an authentication failure.
var ErrUnavailable = errors.New("source unavailable")

// Git fetches with go-git. Clones are shallow, single-branch and tag-less.
type Git struct {
	// Username and Password enable HTTP basic auth when Password is set.
	Username string
	Password string
	Log      *logrus.Entry
}

// Fetch clones ref.Branch of ref.URL into dir. dir must not exist or be
// empty; on failure it is removed so that no partial tree is left behind.
func (g *Git) Fetch(ctx context.Context, ref Ref, dir string) (*Workspace, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("%w: empty repository URL", ErrUnavailable)
	}
	if ref.Branch == "" {
		return nil, fmt.Errorf("%w: empty branch", ErrUnavailable)
	}

	opts := &gogit.CloneOptions{
		URL:           ref.URL,
		ReferenceName: plumbing.NewBranchReferenceName(ref.Branch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          gogit.NoTags,
	}
	if g.Password != "" {
		opts.Auth = &plumbingHTTP.BasicAuth{Username: g.Username, Password: g.Password}
	}
	log := g.logger().WithField("source", ref.String())
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		w := log.WriterLevel(logrus.DebugLevel)
		defer w.Close()
		opts.Progress = w
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	repo, err := gogit.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: cloning %s: %v", ErrUnavailable, ref, classify(err))
	}

	head, err := repo.Head()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: resolving HEAD of %s: %v", ErrUnavailable, ref, err)
	}
	log.WithField("commit", head.Hash().String()).Info("source fetched")

	return &Workspace{Dir: dir, Ref: ref, Commit: head.Hash().String()}, nil
}

func (g *Git) logger() *logrus.Entry {
	if g.Log != nil {
		return g.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// classify gives the common go-git failures a readable message.
func classify(err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return errors.New("repository not found")
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return errors.New("authentication failed")
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return errors.New("branch not found")
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return errors.New("remote repository is empty")
	}
	return err
}

package svn

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// three path forms are in play:
//   repository path  absolute within the repository, decoded, `/trunk/a b.txt`
//   url              root url + encoded repository path, `svn://host/repos/trunk/a%20b.txt`
//   wire path        relative to the session location, decoded, `a b.txt`

func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

func EncodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func DecodePath(p string) (string, error) {
	return url.PathUnescape(p)
}

// relative path of `p` under `base`, both canonical
func relativeTo(base string, p string) (string, bool) {
	if base == p {
		return "", true
	}
	if base == "/" {
		return strings.TrimPrefix(p, "/"), true
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base)+1:], true
	}
	return "", false
}

func joinRelative(base string, rel string) string {
	if rel == "" {
		return base
	}
	return CanonicalPath(base + "/" + rel)
}

// PathMapper converts between the path forms for one session.
// The location may move with reparent, the root never does.
type PathMapper struct {
	root *Target
	// repository path of the session location
	location string
}

func NewPathMapper(rootUrl string, locationUrl string) (*PathMapper, error) {
	root, err := ParseTarget(rootUrl)
	if err != nil {
		return nil, err
	}
	mapper := &PathMapper{
		root:     root,
		location: "/",
	}
	if err := mapper.SetLocation(locationUrl); err != nil {
		return nil, err
	}
	return mapper, nil
}

func (self *PathMapper) RootUrl() string {
	return self.root.Url()
}

func (self *PathMapper) LocationUrl() string {
	return self.Url(self.location)
}

// Location is the repository path of the session location.
func (self *PathMapper) Location() string {
	return self.location
}

func (self *PathMapper) SetLocation(locationUrl string) error {
	location, err := self.RepositoryPathFromUrl(locationUrl)
	if err != nil {
		return err
	}
	self.location = location
	return nil
}

func sameServer(a *Target, b *Target) bool {
	return a.Scheme == b.Scheme && strings.EqualFold(a.Host, b.Host) && a.effectivePort() == b.effectivePort()
}

func (self *PathMapper) RepositoryPathFromUrl(rawUrl string) (string, error) {
	target, err := ParseTarget(rawUrl)
	if err != nil {
		return "", err
	}
	if !sameServer(self.root, target) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrRepositoryMismatch, rawUrl, self.root.Url())
	}
	rel, ok := relativeTo(self.root.Path, target.Path)
	if !ok {
		return "", fmt.Errorf("%w: %s is not under %s", ErrRepositoryMismatch, rawUrl, self.root.Url())
	}
	return CanonicalPath(rel), nil
}

func (self *PathMapper) Url(repositoryPath string) string {
	return self.root.WithPath(joinRelative(self.root.Path, strings.TrimPrefix(CanonicalPath(repositoryPath), "/"))).Url()
}

// WirePath converts a caller path into the form sent on the wire.
// Paths starting with `/` are repository paths, all others are already relative to the location.
func (self *PathMapper) WirePath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		if p == "" || p == "." {
			return "", nil
		}
		rel, _ := relativeTo("/", CanonicalPath(p))
		return rel, nil
	}
	rel, ok := relativeTo(self.location, CanonicalPath(p))
	if !ok {
		return "", fmt.Errorf("%w: %s is not under the session location %s", ErrRepositoryMismatch, p, self.location)
	}
	return rel, nil
}

// RepositoryPath converts a wire path back into a repository path.
func (self *PathMapper) RepositoryPath(wirePath string) string {
	if strings.HasPrefix(wirePath, "/") {
		return CanonicalPath(wirePath)
	}
	return joinRelative(self.location, wirePath)
}

package build

// Artifact is a set of generated files keyed by path. Paths are unique;
// insertion order is irrelevant for correctness but preserved for display.
type Artifact struct {
	files map[string]string
	order []string
}

// NewArtifact creates an empty artifact.
func NewArtifact() *Artifact {
	return &Artifact{files: make(map[string]string)}
}

// Put adds or replaces a file. New paths keep their insertion position.
func (a *Artifact) Put(path, content string) {
	if _, ok := a.files[path]; !ok {
		a.order = append(a.order, path)
	}
	a.files[path] = content
}

// Get returns the content for path.
func (a *Artifact) Get(path string) (string, bool) {
	c, ok := a.files[path]
	return c, ok
}

// Paths returns file paths in insertion order.
func (a *Artifact) Paths() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len returns the number of files.
func (a *Artifact) Len() int {
	return len(a.files)
}

// Files returns a copy of the path→content map.
func (a *Artifact) Files() map[string]string {
	out := make(map[string]string, len(a.files))
	for p, c := range a.files {
		out[p] = c
	}
	return out
}

// Clone returns a deep copy. The cache and verifiers operate on clones so
// no consumer can mutate an artifact owned by another request.
func (a *Artifact) Clone() *Artifact {
	c := &Artifact{
		files: make(map[string]string, len(a.files)),
		order: make([]string, len(a.order)),
	}
	for p, content := range a.files {
		c.files[p] = content
	}
	copy(c.order, a.order)
	return c
}

package cache

import (
	"golang.org/x/sync/singleflight"

	"github.com/forgeworks/forged/internal/build"
)

// Flight deduplicates in-flight builds by fingerprint: one caller runs fn,
// concurrent callers for the same fingerprint wait and share the outcome,
// success or failure.
type Flight struct {
	group singleflight.Group
}

// Do runs fn under the fingerprint's exclusive build slot. shared reports
// whether the result was also delivered to other waiters.
func (f *Flight) Do(fingerprint string, fn func() (build.Response, error)) (resp build.Response, shared bool, err error) {
	v, err, shared := f.group.Do(fingerprint, func() (any, error) {
		return fn()
	})
	if r, ok := v.(build.Response); ok {
		resp = r
	}
	return resp, shared, err
}

//go:build sqlite_vec && cgo

package records

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register sqlite-vec as an auto-loadable extension so vec_version and
	// vec_distance_cosine become available on every new connection.
	vec.Auto()
}

// Package guard switches the process into test mode when imported, so main
// packages skip runtime startup under go test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("TOKOROTI_TEST_MODE") == "" {
			_ = os.Setenv("TOKOROTI_TEST_MODE", "1")
		}
	})
}

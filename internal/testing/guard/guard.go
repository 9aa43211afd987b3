package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AUTHGATE_TEST_MODE") == "" {
			_ = os.Setenv("AUTHGATE_TEST_MODE", "1")
		}
	})
}

package callsdk

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

var logger = stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("callsdk")

// SetLogger overrides the default logger. Pass a zero logr.Logger to
// silence the SDK entirely.
func SetLogger(l logr.Logger) {
	logger = l
}

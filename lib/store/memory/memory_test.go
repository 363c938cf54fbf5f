package memory

import (
	"testing"

	"github.com/uvensys/bastet/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	storetest.Common(t, factory{}, nil)
}

package memory

import (
	"testing"

	"github.com/alfredjeanlab/huddle/internal/store"
	"github.com/alfredjeanlab/huddle/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

package memory

import (
	"testing"

	"github.com/Simplici0/bomcost/internal/store"
	"github.com/Simplici0/bomcost/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

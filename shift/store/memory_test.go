package store_test

import (
	"testing"

	"github.com/warp/fuel-shift-engine/shift"
	"github.com/warp/fuel-shift-engine/shift/store"
	"github.com/warp/fuel-shift-engine/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) shift.Store {
		return store.NewMemory()
	})
}

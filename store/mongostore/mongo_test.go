package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/xiucall/push/store"
	"github.com/xiucall/push/store/storetest"
)

func TestMongoStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments
	// without MongoDB.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := ConnectFromEnv(ctx)
	if err != nil {
		t.Skipf("skipping mongo store tests: %v", err)
		return
	}
	_ = s.Close(context.Background())

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ss, err := ConnectFromEnv(ctx)
		if err != nil {
			t.Fatalf("ConnectFromEnv: %v", err)
		}
		t.Cleanup(func() { _ = ss.Close(context.Background()) })
		return ss
	})
}

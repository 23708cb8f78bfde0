package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_UpdateLease shows a guarded write losing to a concurrent edit.
func ExampleSQLiteStore_UpdateLease() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	lease := &stores.Lease{
		LeaseKey:     stores.LeaseKey{UserEmail: "dev@example.com", UUID: "l-1"},
		Status:       stores.LeaseStatusActive,
		AWSAccountID: "111122223333",
	}
	_ = store.CreateLease(ctx, lease)

	stale := lease.LastEditTime
	lease.Status = stores.LeaseStatusFrozen
	_ = store.UpdateLease(ctx, lease, &stale)

	lease.Status = stores.LeaseStatusExpired
	err := store.UpdateLease(ctx, lease, &stale)
	fmt.Println(err != nil)
	// Output: true
}

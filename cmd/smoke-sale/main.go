// Command smoke-sale drives a flash crowd through the in-process admission
// engine and checks the inventory invariants: the sale never oversells, and
// sold stock always equals the sum of identity quotas.
package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"flashdrop.org/internal/admission"
	"flashdrop.org/internal/idempotency"
	"flashdrop.org/internal/obs"
	"flashdrop.org/internal/ratelimit"
	"flashdrop.org/internal/sale"
	"flashdrop.org/internal/stream"
	"flashdrop.org/internal/verify"
)

const (
	maxQuantity  = 100
	maxPerIdent  = 2
	buyers       = 150
	attemptsEach = 3
)

func main() {
	obs.Init()
	ctx := context.Background()

	sales := sale.NewInMemory()
	limiter := ratelimit.NewMemory(ratelimit.Config{MaxRequests: 1000, Window: time.Minute})
	gate := verify.StaticGate{Result: verify.Result{Passed: true, Score: 1}}
	ledger := idempotency.New[admission.Outcome](time.Hour)
	st := stream.New()
	engine := admission.New(sales, limiter, gate, ledger, st, admission.Config{})

	sl, err := engine.CreateSale(ctx, sale.CreateSpec{
		ProductRef:     "smoke-sneaker",
		OriginalPrice:  19900,
		SalePrice:      9900,
		Duration:       time.Hour,
		MaxQuantity:    maxQuantity,
		MaxPerIdentity: maxPerIdent,
	})
	if err != nil {
		log.Fatalf("create sale: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for b := 0; b < buyers; b++ {
		identity := fmt.Sprintf("buyer-%03d", b)
		for a := 0; a < attemptsEach; a++ {
			wg.Add(1)
			go func(identity string, attempt int) {
				defer wg.Done()
				out, err := engine.Purchase(ctx, admission.PurchaseRequest{
					SaleID:            sl.ID,
					Identity:          identity,
					IdempotencyKey:    fmt.Sprintf("%s-%d", identity, attempt),
					VerificationToken: "tok",
				})
				if err != nil {
					log.Fatalf("purchase: %v", err)
				}
				if out.Reserved {
					mu.Lock()
					reserved++
					mu.Unlock()
				}
			}(identity, a)
		}
	}
	wg.Wait()

	final, err := sales.GetSale(ctx, sl.ID)
	if err != nil {
		log.Fatalf("get sale: %v", err)
	}
	if final.SoldQuantity != reserved {
		log.Fatalf("sold=%d but %d successes reported", final.SoldQuantity, reserved)
	}
	if final.SoldQuantity > maxQuantity {
		log.Fatalf("oversold: %d > %d", final.SoldQuantity, maxQuantity)
	}
	if final.SoldQuantity != maxQuantity {
		log.Fatalf("demand exceeded supply but sold only %d of %d", final.SoldQuantity, maxQuantity)
	}

	quotaSum := 0
	for b := 0; b < buyers; b++ {
		used, err := sales.QuotaUsed(ctx, sl.ID, fmt.Sprintf("buyer-%03d", b))
		if err != nil {
			log.Fatalf("quota: %v", err)
		}
		if used > maxPerIdent {
			log.Fatalf("buyer-%03d exceeded quota: %d", b, used)
		}
		quotaSum += used
	}
	if quotaSum != final.SoldQuantity {
		log.Fatalf("conservation failed: quotas=%d sold=%d", quotaSum, final.SoldQuantity)
	}

	fmt.Printf("✅ flash-sale smoke test passed: sold=%d/%d across %d buyers\n",
		final.SoldQuantity, maxQuantity, buyers)
}

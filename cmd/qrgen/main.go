// qrgen issues loyalty tokens from the command line: single tokens for
// debugging, or bulk one-time coupon batches for a campaign (ledger rows go
// in via CopyFrom before any token is printed).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/trustgate/internal/qr"
)

var (
	tokenType  string
	cardNumber string
	amount     int64
	points     int64
	storeID    string
	couponCode string
	discount   int
	referrerID int64
	expiresIn  time.Duration
	oneTime    bool
	count      int
)

func init() {
	flag.StringVar(&tokenType, "type", "card", "Token type: card | transaction | coupon | referral")
	flag.StringVar(&cardNumber, "card", "", "Card number (card tokens)")
	flag.Int64Var(&amount, "amount", 0, "Amount in minor units (transaction tokens)")
	flag.Int64Var(&points, "points", 0, "Loyalty points (transaction tokens)")
	flag.StringVar(&storeID, "store", "", "Store identifier (transaction tokens)")
	flag.StringVar(&couponCode, "coupon", "", "Coupon code (coupon tokens)")
	flag.IntVar(&discount, "discount", 0, "Discount percent (coupon tokens)")
	flag.Int64Var(&referrerID, "referrer", 0, "Referrer customer id (referral tokens)")
	flag.DurationVar(&expiresIn, "expires-in", 0, "Expiry window; 0 means no expiry")
	flag.BoolVar(&oneTime, "one-time", false, "Single-use token (requires DB_SOURCE)")
	flag.IntVar(&count, "count", 1, "Number of tokens to issue")
}

func main() {
	flag.Parse()

	secret := os.Getenv("QR_SECRET_KEY")
	if secret == "" {
		log.Fatal("QR_SECRET_KEY environment variable is required")
	}

	codec, err := qr.NewCodec(secret)
	if err != nil {
		log.Fatalf("codec init failed: %v", err)
	}

	ctx := context.Background()
	var conn *pgx.Conn
	if oneTime {
		dbURL := os.Getenv("DB_SOURCE")
		if dbURL == "" {
			log.Fatal("DB_SOURCE is required for one-time tokens")
		}
		conn, err = pgx.Connect(ctx, dbURL)
		if err != nil {
			log.Fatalf("unable to connect to database: %v", err)
		}
		defer conn.Close(ctx)
	}

	base := qr.Payload{
		CardNumber:      cardNumber,
		Amount:          amount,
		Points:          points,
		StoreID:         storeID,
		CouponCode:      couponCode,
		DiscountPercent: discount,
		ReferrerID:      referrerID,
		OneTimeUse:      oneTime,
	}
	if expiresIn > 0 {
		base.ExpiresAt = time.Now().Add(expiresIn).Unix()
	}

	tokens := make([]string, 0, count)
	ledgerRows := [][]interface{}{}
	for i := 0; i < count; i++ {
		p := base
		if oneTime {
			p.UseToken = uuid.NewString()
			ledgerRows = append(ledgerRows, []interface{}{p.UseToken, false, time.Now()})
		}
		token, err := codec.Encode(qr.Type(tokenType), p)
		if err != nil {
			log.Fatalf("encode failed: %v", err)
		}
		tokens = append(tokens, token)
	}

	// Ledger first: a printed token must already be redeem-checkable.
	if oneTime {
		copied, err := conn.CopyFrom(
			ctx,
			pgx.Identifier{"qr_tokens"},
			[]string{"use_token", "used", "created_at"},
			pgx.CopyFromRows(ledgerRows),
		)
		if err != nil {
			log.Fatalf("ledger bulk insert failed: %v", err)
		}
		log.Printf("registered %d ledger entries", copied)
	}

	for _, t := range tokens {
		fmt.Println(t)
	}
}

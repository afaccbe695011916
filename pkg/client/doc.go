// Package client is the Go SDK for the audit ledger HTTP API.
//
// Appending a structured record:
//
//	c, err := client.New("https://ledger.internal:8080", client.WithAPIKey(os.Getenv("LEDGER_API_KEY")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rec, err := c.AppendJSON(ctx, "orders", map[string]any{"order": 42, "state": "paid"})
//
// Verifying a chain:
//
//	res, err := c.Verify(ctx, "orders")
//	if err != nil {
//	    log.Fatal(err) // transport or server failure
//	}
//	if !res.Verified {
//	    log.Printf("chain broken: %s", res.Error)
//	}
//
// A chain that fails verification is not an error; inspect Result.Failure.
//
// With WithAPIKey the client exchanges the key for a bearer token on first
// use and refreshes it shortly before expiry. WithBearerToken attaches a
// pre-issued token that is never refreshed.
package client

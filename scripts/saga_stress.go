//go:build ignore
// +build ignore

// Manual concurrency stress test for the borrow saga.
//
// Usage:
//
//	go run ./scripts/saga_stress.go <book_id> <user1_id> [user2_id ...]
//
// Or use the convenience environment variables:
//
//	BOOK_ID=<id>  USER_IDS=<id1>,<id2>,...  go run ./scripts/saga_stress.go
//
// What it does:
//  1. Fires N goroutines (one per user) all initiating a borrow of the same
//     book simultaneously against the borrow service.
//  2. Polls each borrow record until the saga reaches a terminal-or-reserved
//     status.
//  3. Prints how many sagas confirmed vs. failed. With the book stocked at C
//     copies, exactly min(N, C) should confirm.
//
// Prerequisites:
//   - Both services and the broker must be running.
//   - The book must exist in the inventory service.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type borrowResult struct {
	UserID   string
	BorrowID string
	Status   string
	Err      error
}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	bookID := os.Getenv("BOOK_ID")
	userIDsEnv := os.Getenv("USER_IDS")

	var userIDs []string
	if userIDsEnv != "" {
		userIDs = strings.Split(userIDsEnv, ",")
	}

	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 2 {
		userIDs = args[1:]
	}

	if bookID == "" {
		log.Fatal("Usage: BOOK_ID=<id> USER_IDS=<u1,u2,...> go run ./scripts/saga_stress.go\n" +
			"  or: go run ./scripts/saga_stress.go <book_id> <user1_id> [user2_id ...]")
	}
	if len(userIDs) == 0 {
		log.Fatal("At least one user ID must be provided via USER_IDS env or positional args")
	}

	fmt.Printf("=== Borrow Saga Concurrency Test ===\n")
	fmt.Printf("Server : %s\n", serverAddr)
	fmt.Printf("Book   : %s\n", bookID)
	fmt.Printf("Users  : %d\n\n", len(userIDs))

	results := make([]borrowResult, len(userIDs))
	var wg sync.WaitGroup

	// Fire all goroutines simultaneously using a barrier.
	start := make(chan struct{})

	for i, uid := range userIDs {
		wg.Add(1)
		go func(idx int, userID string) {
			defer wg.Done()
			<-start
			results[idx] = runSaga(serverAddr, bookID, strings.TrimSpace(userID))
		}(i, uid)
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)

	wg.Wait()
	fmt.Println("All sagas settled.")
	fmt.Println()

	var confirmed, failed, errored int
	for _, r := range results {
		switch {
		case r.Err != nil:
			errored++
			fmt.Printf("  [ERR ] user=%-38s err=%v\n", r.UserID, r.Err)
		case r.Status == "RESERVED":
			confirmed++
			fmt.Printf("  [RSVD] user=%-38s borrow=%s\n", r.UserID, r.BorrowID)
		case r.Status == "FAILED":
			failed++
			fmt.Printf("  [FAIL] user=%-38s borrow=%s\n", r.UserID, r.BorrowID)
		default:
			errored++
			fmt.Printf("  [?   ] user=%-38s borrow=%s status=%s (saga did not settle)\n", r.UserID, r.BorrowID, r.Status)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Confirmed : %d\n", confirmed)
	fmt.Printf("Failed    : %d\n", failed)
	fmt.Printf("Errors    : %d\n", errored)
	fmt.Printf("Total     : %d\n\n", len(userIDs))

	fmt.Println("--- Invariant Check ---")
	fmt.Println("The conditional decrement on available_copies means the number of")
	fmt.Printf("confirmed sagas can never exceed the book's available copies.\n")

	if errored > 0 {
		fmt.Printf("\n[WARNING] %d saga(s) errored - check service logs for details.\n", errored)
		os.Exit(1)
	}
}

// runSaga initiates a borrow for userID and polls the record until the saga
// settles in RESERVED or a terminal status.
func runSaga(serverAddr, bookID, userID string) borrowResult {
	client := &http.Client{Timeout: 10 * time.Second}

	body := fmt.Sprintf(`{"book_id":%q,"user_id":%q}`, bookID, userID)
	resp, err := client.Post(serverAddr+"/borrows", "application/json", bytes.NewBufferString(body))
	if err != nil {
		return borrowResult{UserID: userID, Err: err}
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var rec struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return borrowResult{UserID: userID, Err: fmt.Errorf("bad JSON: %s", raw)}
	}
	if rec.ID == "" {
		return borrowResult{UserID: userID, Err: fmt.Errorf("no borrow id in response: %s", raw)}
	}

	// Poll until the reservation outcome lands.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, serverAddr+"/borrows/"+rec.ID, nil)
		req.Header.Set("X-User-Id", userID)
		resp, err := client.Do(req)
		if err != nil {
			return borrowResult{UserID: userID, BorrowID: rec.ID, Err: err}
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if err := json.Unmarshal(raw, &rec); err == nil && rec.Status != "PENDING" {
			return borrowResult{UserID: userID, BorrowID: rec.ID, Status: rec.Status}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return borrowResult{UserID: userID, BorrowID: rec.ID, Status: rec.Status}
}

//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meem-store/checkout-api/internal/domain"
	pconfig "github.com/meem-store/checkout-api/internal/platform/config"
	pfirestore "github.com/meem-store/checkout-api/internal/platform/firestore"
	"github.com/meem-store/checkout-api/internal/repositories"
)

func TestOrderRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"ord_a", "ord_b", "ord_c"} {
		order := domain.Order{
			ID:               id,
			Items:            []domain.LineItem{{Name: "Cap", Price: decimal.RequireFromString("12.50"), Quantity: i + 1}},
			Address:          domain.Address{FullName: "Ayesha Khan", Phone: "555", Street: "1 Main", City: "Lahore"},
			TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString("12.50").Mul(decimal.NewFromInt(int64(i + 1)))),
			Currency:         "usd",
			PaymentSessionID: "cs_" + id,
			IdempotencyKey:   "key/" + id,
			Status:           domain.OrderStatusCreated,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := repo.Insert(ctx, order); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	dup := domain.Order{ID: "ord_dup", PaymentSessionID: "cs_ord_a", Status: domain.OrderStatusCreated}
	if _, err := repo.Insert(ctx, dup); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate session, got %v", err)
	}
	if _, err := repo.FindByID(ctx, "ord_dup"); !repositories.IsNotFound(err) {
		t.Fatalf("rejected order must not exist, got %v", err)
	}

	found, err := repo.FindBySessionID(ctx, "cs_ord_b")
	if err != nil {
		t.Fatalf("find by session: %v", err)
	}
	if found.ID != "ord_b" || domain.FormatAmount(found.Total()) != "25.00" {
		t.Fatalf("unexpected order %+v", found)
	}
	byKey, err := repo.FindByIdempotencyKey(ctx, "key/ord_c")
	if err != nil || byKey.ID != "ord_c" {
		t.Fatalf("find by idempotency key: %v %+v", err, byKey)
	}

	page, err := repo.List(ctx, domain.OrderListFilter{Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ord_c" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	rest, err := repo.List(ctx, domain.OrderListFilter{Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest.Items) != 1 || rest.Items[0].ID != "ord_a" {
		t.Fatalf("unexpected second page %+v", rest)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, next := range []domain.OrderStatus{domain.OrderStatusFulfilled, domain.OrderStatusCancelled} {
		wg.Add(1)
		go func(i int, next domain.OrderStatus) {
			defer wg.Done()
			_, errs[i] = repo.UpdateStatus(ctx, "ord_a", domain.OrderStatusCreated, next, time.Now())
		}(i, next)
	}
	wg.Wait()
	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !repositories.IsConflict(err) {
			t.Fatalf("unexpected update error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winning transition, got %d", wins)
	}

	status := domain.OrderStatusCreated
	created, err := repo.List(ctx, domain.OrderListFilter{Status: &status})
	if err != nil {
		t.Fatalf("list created: %v", err)
	}
	if len(created.Items) != 2 {
		t.Fatalf("expected two created orders, got %d", len(created.Items))
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

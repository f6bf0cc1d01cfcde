package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/models"
	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/shopspring/decimal"
)

func TestSettlementStoreAppliesBasicSplit(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "consignment_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	const businessId = "biz-1"
	ctx = utils.SetBusinessIdInContext(ctx, businessId)
	ctx = utils.SetCorrelationIdInContext(ctx, "test-correlation")
	db := config.GetDB()

	customer := models.Customer{BusinessId: businessId, Name: "Boutique"}
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		t.Fatalf("create customer: %v", err)
	}
	productA := models.Product{BusinessId: businessId, Name: "Scarf", Sku: "A-1", StockQty: decimal.NewFromInt(20)}
	productB := models.Product{BusinessId: businessId, Name: "Bag", Sku: "B-1", Barcode: "8800001", StockQty: decimal.NewFromInt(5)}
	if err := db.WithContext(ctx).Create(&[]*models.Product{&productA, &productB}).Error; err != nil {
		t.Fatalf("create products: %v", err)
	}

	row, err := models.CreateConsignment(ctx, db, businessId, &models.NewConsignment{
		CustomerId: customer.ID,
		ShippedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Details: []models.NewConsignmentDetail{
			{ProductId: productA.ID, Qty: 10},
			{ProductId: productB.ID, Qty: 5},
		},
	})
	if err != nil {
		t.Fatalf("CreateConsignment: %v", err)
	}
	assertQty(t, productA.ID, "stock_qty", 10)
	assertQty(t, productA.ID, "consigned_qty", 10)

	store := models.NewSettlementStore(db, businessId)
	dir := models.NewProductDirectory(db, businessId)

	c, err := store.Load(ctx, row.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := settlement.NewSession(c)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	for _, code := range []string{"A-1", "A-1", "A-1", "NOPE"} {
		if _, err := s.ReportReturn(code); err != nil {
			t.Fatalf("ReportReturn: %v", err)
		}
	}
	if _, err := s.ResolvePending(ctx, dir); err != nil {
		t.Fatalf("ResolvePending: %v", err)
	}
	if got := len(s.Classification().Unrecognized); got != 1 {
		t.Fatalf("unrecognized = %d; want 1", got)
	}
	draft, _ := s.CreateDraftSale("S1")
	if err := s.Allocate(draft, productA.ID, 7); err != nil {
		t.Fatalf("Allocate A: %v", err)
	}
	if err := s.Allocate(draft, productB.ID, 5); err != nil {
		t.Fatalf("Allocate B: %v", err)
	}
	if _, err := s.Commit(ctx, store); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var sales []models.Sale
	if err := db.WithContext(ctx).Where("consignment_id = ?", row.ID).Order("id ASC").Find(&sales).Error; err != nil {
		t.Fatalf("load sales: %v", err)
	}
	if len(sales) != 2 || sales[0].Qty != 7 || sales[1].Qty != 5 || sales[0].CustomerId != customer.ID {
		t.Fatalf("sales = %+v", sales)
	}
	assertQty(t, productA.ID, "stock_qty", 13)
	assertQty(t, productA.ID, "consigned_qty", 0)
	assertQty(t, productB.ID, "consigned_qty", 0)

	closed, err := store.Load(ctx, row.ID)
	if err != nil || closed.IsActive() {
		t.Fatalf("consignment should be closed: %+v, %v", closed, err)
	}

	var outbox int64
	if err := db.WithContext(ctx).Model(&models.OutboxRecord{}).Where("consignment_id = ?", row.ID).Count(&outbox).Error; err != nil || outbox != 1 {
		t.Fatalf("outbox rows = %d, %v; want 1", outbox, err)
	}

	// A rebuilt session carrying the same key is a no-op success.
	reopened, _ := row.ToDomain()
	retry, err := settlement.NewSession(reopened, settlement.WithIdempotencyKey(s.IdempotencyKey()))
	if err != nil {
		t.Fatalf("NewSession retry: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = retry.ReportReturn("A-1")
	}
	if _, err := retry.ResolvePending(ctx, dir); err != nil {
		t.Fatalf("ResolvePending retry: %v", err)
	}
	d2, _ := retry.CreateDraftSale("S1")
	_ = retry.Allocate(d2, productA.ID, 7)
	_ = retry.Allocate(d2, productB.ID, 5)
	if _, err := retry.Commit(ctx, store); err != nil {
		t.Fatalf("retry Commit: %v", err)
	}
	var count int64
	db.WithContext(ctx).Model(&models.Sale{}).Where("consignment_id = ?", row.ID).Count(&count)
	if count != 2 {
		t.Fatalf("sales after retry = %d; want 2", count)
	}
}

func assertQty(t *testing.T, productId int, column string, want int64) {
	t.Helper()
	var p models.Product
	if err := config.GetDB().Where("id = ?", productId).First(&p).Error; err != nil {
		t.Fatalf("load product %d: %v", productId, err)
	}
	got := p.StockQty
	if column == "consigned_qty" {
		got = p.ConsignedQty
	}
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("product %d %s = %s; want %d", productId, column, got, want)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("consignment-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun("run", "-d", "--name", name, "-p", "127.0.0.1:0:6379", "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("consignment-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=consignment_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}

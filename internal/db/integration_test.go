//go:build integration

package db

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/zulandar/medconsult/internal/config"
	"github.com/zulandar/medconsult/internal/models"
	"gorm.io/gorm"
)

// integrationConfig returns the database config for a running MySQL or
// Postgres server, taken from MEDCONSULT_TEST_DB_* variables. The test is
// skipped when MEDCONSULT_TEST_DB_DRIVER is unset.
func integrationConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	driver := os.Getenv("MEDCONSULT_TEST_DB_DRIVER")
	if driver == "" {
		t.Skip("MEDCONSULT_TEST_DB_DRIVER not set")
	}
	port, _ := strconv.Atoi(os.Getenv("MEDCONSULT_TEST_DB_PORT"))
	cfg := config.DatabaseConfig{
		Driver:   driver,
		Host:     envOr("MEDCONSULT_TEST_DB_HOST", "127.0.0.1"),
		Port:     port,
		Name:     envOr("MEDCONSULT_TEST_DB_NAME", "medconsult_test"),
		User:     os.Getenv("MEDCONSULT_TEST_DB_USER"),
		Password: os.Getenv("MEDCONSULT_TEST_DB_PASSWORD"),
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
		if driver == "postgres" {
			cfg.Port = 5432
		}
	}
	if cfg.User == "" {
		cfg.User = "root"
		if driver == "postgres" {
			cfg.User = "postgres"
		}
	}
	waitForServer(t, cfg.Host, cfg.Port)
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// waitForServer polls until the database accepts TCP connections.
func waitForServer(t *testing.T, host string, port int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("database not ready on %s after 10s", addr)
}

func connectMigrated(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := Connect(integrationConfig(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		gormDB.Migrator().DropTable(AllModels()...)
		Close(gormDB)
	})
	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gormDB
}

// ConnectMigrated lets the external db_test package share the harness.
var ConnectMigrated = connectMigrated

func TestIntegration_AutoMigrate(t *testing.T) {
	gormDB := connectMigrated(t)

	for _, table := range []string{"consultations", "consultation_participants", "chat_messages", "ratings", "feedback"} {
		if !gormDB.Migrator().HasTable(table) {
			t.Errorf("expected table %q not found", table)
		}
	}
	for _, col := range []string{"id", "patient_id", "doctor_id", "status", "rejection_reason", "archived_at", "consultation_date"} {
		if !gormDB.Migrator().HasColumn(&models.Consultation{}, col) {
			t.Errorf("consultations table missing column %q", col)
		}
	}

	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate (2nd): %v", err)
	}
}

func TestIntegration_DuplicateSlot(t *testing.T) {
	gormDB := connectMigrated(t)

	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		err := gormDB.Create(&models.Consultation{
			ID:               fmt.Sprintf("dup-%d", i),
			PatientID:        "p",
			DoctorID:         "d",
			ConsultationDate: date,
		}).Error
		if i == 0 && err != nil {
			t.Fatalf("create first: %v", err)
		}
		if i == 1 && !IsDuplicateKey(err) {
			t.Fatalf("second create: IsDuplicateKey(%v) = false", err)
		}
	}
}

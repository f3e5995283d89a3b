// Package main implements a one-shot seed command that creates a user
// directly in the supervisor's database, bypassing the HTTP API. Useful for
// provisioning the first admin account before any token exists to call
// POST /api/auth/register with an elevated role.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --username admin \
//	  --email admin@example.com \
//	  --password secret \
//	  --name "Admin User" \
//	  --role admin
//
// Environment variables:
//
//	DB_DRIVER   "sqlite" or "postgres" (default: sqlite)
//	DB_DSN      SQLite file path or Postgres DSN (default: ./supervisor.db)
//	JWT_SECRET  Master encryption key — must match the value used by the supervisor
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	username := flag.String("username", "", "Username (required)")
	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Admin User", "Display name")
	role := flag.String("role", "admin", "Role: admin, operator or viewer")
	flag.Parse()

	if *username == "" {
		return fmt.Errorf("--username is required")
	}
	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *role != "admin" && *role != "operator" && *role != "viewer" {
		return fmt.Errorf("--role must be 'admin', 'operator' or 'viewer'")
	}

	dsn := envOrDefault("DB_DSN", "./supervisor.db")

	secretKey := os.Getenv("JWT_SECRET")
	if secretKey == "" {
		return fmt.Errorf(
			"JWT_SECRET is not set\n" +
				"  Set it to the same value used by the supervisor, otherwise the\n" +
				"  encrypted password will be unreadable at login time.",
		)
	}

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("DB_DRIVER", "sqlite"),
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	users := store.NewUserStore(database)

	user := &db.User{
		Username:    *username,
		Email:       *email,
		DisplayName: *name,
		Password:    db.EncryptedString(hashed),
		Role:        *role,
		IsActive:    true,
	}

	if err := users.Create(context.Background(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("a user with username %q or email %q already exists", *username, *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("user created\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Email:    %s\n", user.Email)
	fmt.Printf("  Name:     %s\n", user.DisplayName)
	fmt.Printf("  Role:     %s\n", user.Role)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

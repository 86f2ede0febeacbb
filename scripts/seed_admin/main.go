// Command seed_admin creates an admin account so a fresh deployment can
// log in. Safe to re-run; a duplicate email is reported, not overwritten.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/internal/repository"
	"github.com/faceattend/faceattend-api/pkg/config"
	"github.com/faceattend/faceattend-api/pkg/database"
)

func main() {
	var (
		email    string
		password string
		name     string
	)

	flag.StringVar(&email, "email", "", "Admin email (required)")
	flag.StringVar(&password, "password", "", "Admin password, at least 8 characters (required)")
	flag.StringVar(&name, "name", "Administrator", "Display name")
	flag.Parse()

	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || len(password) < 8 {
		log.Fatal("usage: seed_admin -email admin@example.com -password <8+ chars>")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users := repository.NewUserRepository(db)
	user, err := users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		Active:       true,
	}, time.Now())
	if err != nil {
		log.Fatalf("failed to create admin: %v", err)
	}

	fmt.Printf("admin created: %s (%s)\n", user.Email, user.ID)
}

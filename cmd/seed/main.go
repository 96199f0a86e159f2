package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/config"
	"github.com/xtrntr/volumegate/internal/db"
	"github.com/xtrntr/volumegate/internal/logger"
	"github.com/xtrntr/volumegate/internal/models"
	"github.com/xtrntr/volumegate/pkg/crypto"
)

var demoUsers = []struct {
	username, email, password string
}{
	{"trader1", "trader1@example.com", "password123"},
	{"trader2", "trader2@example.com", "password123"},
}

var demoMembers = []struct {
	member models.Member
	uid    string
}{
	{models.Member{ID: 1001, Username: "whale", FirstName: "Wendy", LastName: "Hale"}, "80010001"},
	{models.Member{ID: 1002, Username: "minnow", FirstName: "Milo", LastName: "Now"}, "80010002"},
	{models.Member{ID: 1003, FirstName: "Nora", LastName: "Uid"}, ""},
}

// Seed the database with demo users, channel members and UID links owned by
// the first demo user
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: "text", Development: true})
	defer log.Sync()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	var ownerID int
	for i, u := range demoUsers {
		hash, err := crypto.HashPassword(u.password, cfg.Security.BcryptCost)
		if err != nil {
			log.Fatal("failed to hash password", zap.Error(err))
		}
		user, err := database.CreateUser(ctx, u.username, u.email, hash)
		switch {
		case errors.Is(err, db.ErrEmailTaken), errors.Is(err, db.ErrUsernameTaken):
			log.Info("user already exists", zap.String("username", u.username))
			if user, err = database.GetUserByEmail(ctx, u.email); err != nil {
				log.Fatal("failed to load existing user", zap.String("username", u.username), zap.Error(err))
			}
		case err != nil:
			log.Fatal("failed to create user", zap.String("username", u.username), zap.Error(err))
		default:
			log.Info("created user", zap.Int("id", user.ID), zap.String("username", user.Username))
		}
		if i == 0 {
			ownerID = user.ID
		}
	}

	for _, m := range demoMembers {
		if err := database.UpsertMember(ctx, m.member); err != nil {
			log.Fatal("failed to add member", zap.Int64("member_id", m.member.ID), zap.Error(err))
		}
		if m.uid == "" {
			continue
		}
		if err := database.LinkUID(ctx, ownerID, m.member.ID, m.uid); err != nil {
			log.Fatal("failed to link uid", zap.Int64("member_id", m.member.ID), zap.Error(err))
		}
	}

	log.Info("seeded database", zap.Int("users", len(demoUsers)), zap.Int("members", len(demoMembers)))
}

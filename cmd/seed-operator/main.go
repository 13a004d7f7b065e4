// seed-operator creates or refreshes a review operator account, and can
// issue a session token for it (the same redis keys the session middleware
// resolves).
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go run ./cmd/seed-operator -username ops -name "Review Operator" -issue-token
//
// The password is read from OPERATOR_PASSWORD to keep it out of shell history.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/models"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/google/uuid"
)

const sessionTokenLifespan = 30 * 24 * time.Hour

func main() {
	username := flag.String("username", "", "operator username")
	name := flag.String("name", "", "display name")
	issueToken := flag.Bool("issue-token", false, "write a session token to redis and print it")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "-username is required")
		os.Exit(2)
	}
	password := os.Getenv("OPERATOR_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "OPERATOR_PASSWORD is required")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetIsOperatorInContext(ctx, true)

	user, err := models.UpsertOperator(ctx, *username, *name, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to upsert operator: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("operator %s ready (id=%d)\n", user.Username, user.ID)

	if *issueToken {
		config.ConnectRedisWithRetry()
		if config.GetRedisDB() == nil {
			fmt.Fprintln(os.Stderr, "redis not initialized (config.GetRedisDB returned nil). Set REDIS_ADDRESS.")
			os.Exit(1)
		}

		token := uuid.NewString()
		for key, value := range map[string]string{
			"Token:" + token:             user.Username,
			"UserId:" + user.Username:    strconv.Itoa(user.ID),
			"UserName:" + user.Username:  user.Name,
			"IsOperator:" + user.Username: "true",
		} {
			if err := config.SetRedisValue(key, value, sessionTokenLifespan); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write session key: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("session token: %s (valid %s)\n", token, sessionTokenLifespan)
	}
}
